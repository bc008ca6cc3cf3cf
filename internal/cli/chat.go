package cli

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"helixstream/internal/chat"
	"helixstream/internal/ledger"

	"github.com/spf13/cobra"
)

func newChatCommand(getApp func() *app) *cobra.Command {
	var agent string
	var chatID string
	var attach []string

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message to an agent and wait for its reply",
		Long: `Send one message to an agent and wait until it is idle again.
Local tool calls (echo, current_time) are answered by this client.
Interrupting the command asks the agent to stop generating.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			coord, err := a.chatCoordinator(agent)
			if err != nil {
				return err
			}
			if chatID != "" {
				coord.Resume(chatID)
			}
			attachments, err := readAttachments(attach)
			if err != nil {
				return err
			}

			var mu sync.Mutex
			latest := map[string]chat.Message{}
			var order []string
			opts := chat.SendOptions{
				Attachments: attachments,
				OnChat: func(c chat.Chat) {
					a.log.Debug("chat status", "chat_id", c.ID, "status", c.Status)
				},
				OnMessage: func(m chat.Message) {
					mu.Lock()
					defer mu.Unlock()
					if _, ok := latest[m.ID]; !ok {
						order = append(order, m.ID)
					}
					latest[m.ID] = m
					for _, inv := range m.ToolInvocations {
						if inv.Status == chat.InvocationAwaitingInput && inv.Type != chat.InvocationLocal {
							fmt.Fprintf(a.out, "tool %s (%s) awaits approval: helixctl chat approve %s\n",
								inv.Function.Name, inv.ID, inv.ID)
						}
					}
				},
				OnError: func(err error) {
					a.log.Warn("chat update error", "error", err)
				},
			}

			// an interrupt stops generation instead of abandoning the turn
			sendCtx := context.WithoutCancel(cmd.Context())
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-cmd.Context().Done():
					stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := coord.StopGeneration(stopCtx); err != nil {
						a.log.Warn("stop generation failed", "error", err)
					}
				case <-done:
				}
			}()

			res, sendErr := coord.SendMessage(sendCtx, strings.Join(args, " "), opts)
			if res.ChatID != "" {
				fmt.Fprintf(a.out, "chat %s\n", res.ChatID)
			}
			mu.Lock()
			reply := res.AssistantMessage
			for _, id := range order {
				if m := latest[id]; m.Role == "assistant" {
					reply = m
				}
			}
			mu.Unlock()
			if text := reply.Text(); text != "" {
				fmt.Fprintln(a.out, text)
			}
			coord.Dispatcher().Wait()
			if res.ChatID != "" {
				if err := a.dumpJournal(context.Background(), ledger.ResourceChat, res.ChatID); err != nil {
					return err
				}
			}
			return sendErr
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent reference, e.g. acme/helper@v1")
	cmd.Flags().StringVar(&chatID, "chat-id", "", "continue an existing chat")
	cmd.Flags().StringSliceVar(&attach, "attach", nil, "file to attach (repeatable)")

	cmd.AddCommand(
		newChatStopCommand(getApp),
		newChatApproveCommand(getApp),
		newChatRejectCommand(getApp),
	)
	return cmd
}

func newChatStopCommand(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <chat-id>",
		Short: "Ask an agent to stop generating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			coord, err := a.chatCoordinator("")
			if err != nil {
				return err
			}
			coord.Resume(args[0])
			if err := coord.StopGeneration(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "stop requested for chat %s\n", args[0])
			return nil
		},
	}
}

func newChatApproveCommand(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <invocation-id>",
		Short: "Approve a tool call waiting for confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			coord, err := a.chatCoordinator("")
			if err != nil {
				return err
			}
			return coord.ApproveTool(cmd.Context(), args[0])
		},
	}
}

func newChatRejectCommand(getApp func() *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <invocation-id>",
		Short: "Reject a tool call waiting for confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			coord, err := a.chatCoordinator("")
			if err != nil {
				return err
			}
			return coord.RejectTool(cmd.Context(), args[0], reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the call was rejected")
	return cmd
}

func readAttachments(paths []string) ([]chat.Attachment, error) {
	out := make([]chat.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		out = append(out, chat.Attachment{
			Name:        filepath.Base(p),
			ContentType: contentType,
			Data:        data,
		})
	}
	return out, nil
}
