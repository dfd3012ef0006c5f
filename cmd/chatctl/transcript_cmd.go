package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	chatsession "github.com/wavelink-io/chatsession"
)

func init() {
	rootCmd.AddCommand(transcriptCmd)
	transcriptCmd.Flags().IntVar(&transcriptPageSize, "page-size", 50, "entries per page")
	transcriptCmd.Flags().StringVar(&transcriptCursor, "cursor", "", "continue from a previous page")
}

var (
	transcriptPageSize int
	transcriptCursor   string
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Fetch and print one transcript page",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sess, err := newSessionFromConfig(cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := sess.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer sess.Disconnect(context.Background())

		page, err := sess.FetchTranscript(ctx, chatsession.TranscriptRequest{
			Cursor:    transcriptCursor,
			PageSize:  transcriptPageSize,
			SortOrder: chatsession.SortAscending,
		})
		if err != nil {
			return fmt.Errorf("fetch transcript: %w", err)
		}

		for _, e := range page.Entries {
			fmt.Printf("[%s] %s (%s): %s\n",
				e.Timestamp.Format("15:04:05"), e.DisplayName, e.Role, e.Content)
		}
		if page.NextCursor != "" {
			fmt.Printf("\nNext page: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}
