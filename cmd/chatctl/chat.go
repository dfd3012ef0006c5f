package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	chatsession "github.com/wavelink-io/chatsession"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().BoolVar(&chatVerbose, "verbose", false, "log session internals to stderr")
}

var chatVerbose bool

// newSessionFromConfig builds a session from the stored credential.
func newSessionFromConfig(cfg *Config) (*chatsession.Session, error) {
	if cfg.Session.Token == "" || cfg.Default.Endpoint == "" {
		return nil, fmt.Errorf("missing session.token or default.endpoint; run 'chatctl config set' first")
	}

	details := chatsession.ChatDetails{
		ContactID:     cfg.Session.ContactID,
		ParticipantID: cfg.Session.ParticipantID,
		DisplayName:   cfg.Default.DisplayName,
	}
	cred := chatsession.Credential{
		Token:     cfg.Session.Token,
		Endpoint:  cfg.Default.Endpoint,
		ExpiresAt: tokenExpiry(cfg),
	}

	opts := []chatsession.Option{}
	if chatVerbose {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		opts = append(opts, chatsession.WithLogger(log))
	}
	return chatsession.NewSession(details, cred, opts...), nil
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run an interactive chat session",
	Long:  "Connect the stored session and relay lines from stdin as chat messages.\nType /quit to disconnect.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sess, err := newSessionFromConfig(cfg)
		if err != nil {
			return err
		}

		sess.OnMessage(func(f chatsession.Frame) {
			fmt.Printf("%s: %s\n", f.DisplayName, f.Content)
		})
		sess.OnTyping(func(f chatsession.Frame) {
			fmt.Printf("%s is typing...\n", f.DisplayName)
		})
		sess.OnParticipantJoined(func(f chatsession.Frame) {
			fmt.Printf("* %s joined\n", f.DisplayName)
		})
		sess.OnParticipantLeft(func(f chatsession.Frame) {
			fmt.Printf("* %s left\n", f.DisplayName)
		})
		sess.OnConnectionBroken(func(f chatsession.Frame) {
			fmt.Println("* connection lost, reconnecting...")
		})
		sess.OnChatEnded(func(f chatsession.Frame) {
			fmt.Println("* chat ended by remote side")
		})

		ctx := cmd.Context()
		if err := sess.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer sess.Disconnect(context.Background())
		fmt.Println("Connected. Type a message, or /quit to leave.")

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				break
			}
			if _, err := sess.SendMessage(ctx, chatsession.ContentTypeText, line); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}
