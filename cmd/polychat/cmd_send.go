// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polychat-dev/polychat/pkg/client"
	"github.com/polychat-dev/polychat/services/gateway/datatypes"
)

// --- Send Command Variables ---
var (
	serverURL  string
	chatID     string
	sendModels []string
	verify     bool

	sendCmd = &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message to the gateway and stream every model's answer",
		Long: `Sends one message to a running gateway and prints each model's
response as it streams back. Without --chat a new chat is created first.
With --verify the recorded event chain is checked for tampering after
the stream completes.`,
		Args: cobra.MinimumNArgs(1),
		Run:  runSend,
	}

	chatsCmd = &cobra.Command{
		Use:   "chats",
		Short: "List the chats on a running gateway",
		Run:   runChats,
	}
)

func init() {
	sendCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8090", "gateway base URL")
	sendCmd.Flags().StringVar(&chatID, "chat", "", "chat id to continue ('' creates a new chat)")
	sendCmd.Flags().StringSliceVar(&sendModels, "model", nil, "model id to query (repeatable)")
	sendCmd.Flags().BoolVar(&verify, "verify", false, "verify the event hash chain after streaming")

	chatsCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8090", "gateway base URL")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(chatsCmd)
}

func runSend(cmd *cobra.Command, args []string) {
	if len(sendModels) == 0 {
		log.Fatal("at least one --model is required")
	}
	message := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		BaseURL: serverURL,
		Token:   os.Getenv("POLYCHAT_API_TOKEN"),
	})

	if chatID == "" {
		chat, err := c.CreateChat(ctx, "")
		if err != nil {
			log.Fatalf("Failed to create chat: %v", err)
		}
		chatID = chat.ID
		fmt.Printf("chat: %s\n\n", chatID)
	}

	// Track which model printed last so interleaved chunks stay readable.
	lastModel := ""
	printed := map[string]int{}

	events, err := c.Send(ctx, chatID, datatypes.SendMessageRequest{
		Content: message,
		Models:  sendModels,
	}, func(event datatypes.StreamEvent) error {
		switch event.Type {
		case datatypes.EventTypeUpdate:
			if event.Response == nil {
				return nil
			}
			if event.Model != lastModel {
				fmt.Printf("\n[%s]\n", event.Model)
				lastModel = event.Model
			}
			content := event.Response.Content
			if n := printed[event.Model]; n < len(content) {
				fmt.Print(content[n:])
				printed[event.Model] = len(content)
			}
			if !event.Response.Streaming {
				printTerminal(event.Model, *event.Response)
				lastModel = ""
			}
		case datatypes.EventTypeTitle:
			fmt.Printf("\ntitle: %s\n", event.Message)
		case datatypes.EventTypeError:
			fmt.Fprintf(os.Stderr, "\nstream error: %s\n", event.Error)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Send failed: %v", err)
	}
	fmt.Println()

	if verify {
		result := client.VerifyChain(events)
		if result.Valid {
			fmt.Printf("chain verified: %d events, final hash %s\n",
				result.ChainLength, shortHash(result.FinalHash))
		} else {
			log.Fatalf("chain verification FAILED at event %d: %s",
				result.InvalidEventIndex, result.ErrorMessage)
		}
	}
}

// printTerminal summarizes a settled response slot.
func printTerminal(model string, resp datatypes.Response) {
	switch {
	case resp.Stopped:
		fmt.Printf("\n[%s stopped]\n", model)
	case resp.Unsupported:
		fmt.Printf("\n[%s unsupported: %s]\n", model, resp.Error)
	case resp.Error != "":
		fmt.Printf("\n[%s error: %s]\n", model, resp.Error)
	default:
		if resp.ThinkingTime != "" {
			fmt.Printf("\n[%s done, thought for %s]\n", model, resp.ThinkingTime)
		} else {
			fmt.Printf("\n[%s done]\n", model)
		}
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12] + "..."
	}
	return hash
}

func runChats(cmd *cobra.Command, args []string) {
	c := client.New(client.Config{
		BaseURL: serverURL,
		Token:   os.Getenv("POLYCHAT_API_TOKEN"),
	})

	chats, err := c.ListChats(context.Background())
	if err != nil {
		log.Fatalf("Failed to list chats: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tACTIVE")
	for _, chat := range chats {
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", chat.ID, chat.Title, chat.MessageCount, chat.Active)
	}
	w.Flush()
}
