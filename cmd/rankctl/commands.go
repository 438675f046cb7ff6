package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rankpipe/rankpipe-go"
	"github.com/rankpipe/rankpipe-go/protocol"
	"github.com/rankpipe/rankpipe-go/realtime"
	"github.com/rankpipe/rankpipe-go/sse"
)

func newClient() (*rankpipe.Client, error) {
	clientCfg := cfg.clientConfig()
	clientCfg.Logger = logger
	return rankpipe.New(clientCfg)
}

func submitCmd() *cobra.Command {
	var (
		leaderboardID string
		userName      string
	)

	cmd := &cobra.Command{
		Use:   "submit <user-id> <score>",
		Short: "Submit a score",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var score int64
			if _, err := fmt.Sscanf(args[1], "%d", &score); err != nil {
				return fmt.Errorf("parsing score %q: %w", args[1], err)
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Submit(cmd.Context(), args[0], score, &rankpipe.SubmitOptions{
				LeaderboardID: leaderboardID,
				UserName:      userName,
			})
			if err != nil {
				return err
			}

			if result.Queued {
				fmt.Printf("queued %s at position %d\n", result.QueueID, result.QueuePosition)
				return nil
			}
			fmt.Printf("%s: rank %d (%s)\n", args[0], result.Rank, result.Operation)
			return nil
		},
	}

	cmd.Flags().StringVarP(&leaderboardID, "leaderboard", "l", "", "leaderboard id (defaults to config)")
	cmd.Flags().StringVarP(&userName, "name", "n", "", "display name")
	return cmd
}

func topCmd() *cobra.Command {
	var (
		leaderboardID string
		limit         int
	)

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Show leaderboard entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			board, err := client.GetLeaderboard(cmd.Context(), leaderboardID, limit)
			if err != nil {
				return err
			}

			for _, entry := range board.Entries {
				name := entry.UserName
				if name == "" {
					name = entry.UserID
				}
				fmt.Printf("%4d  %-30s %12d\n", entry.Rank, name, entry.Score)
			}
			fmt.Printf("showing %d of %d entries\n", board.DisplayedEntries, board.TotalEntries)
			return nil
		},
	}

	cmd.Flags().StringVarP(&leaderboardID, "leaderboard", "l", "", "leaderboard id (defaults to config)")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of entries")
	return cmd
}

func rankCmd() *cobra.Command {
	var leaderboardID string

	cmd := &cobra.Command{
		Use:   "rank <user-id>",
		Short: "Show one user's rank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ur, err := client.GetUserRank(cmd.Context(), leaderboardID, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: rank %d with score %d\n", ur.UserID, ur.Rank, ur.Score)
			return nil
		},
	}

	cmd.Flags().StringVarP(&leaderboardID, "leaderboard", "l", "", "leaderboard id (defaults to config)")
	return cmd
}

func watchCmd() *cobra.Command {
	var (
		leaderboardID string
		useSSE        bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live leaderboard updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			topic := leaderboardID
			if topic == "" {
				topic = cfg.Leaderboard
			}
			if topic == "" {
				return fmt.Errorf("a leaderboard id is required to watch")
			}

			if useSSE {
				return watchSSE(cmd, client, topic)
			}
			return watchWS(cmd, client, topic)
		},
	}

	cmd.Flags().StringVarP(&leaderboardID, "leaderboard", "l", "", "leaderboard id (defaults to config)")
	cmd.Flags().BoolVar(&useSSE, "sse", false, "use Server-Sent Events instead of WebSocket")
	return cmd
}

func watchWS(cmd *cobra.Command, client *rankpipe.Client, topic string) error {
	manager := client.Realtime(realtime.Callbacks{
		OnConnect: func() {
			logger.Info("connected", zap.String("topic", topic))
		},
		OnDisconnect: func(code int, reason string) {
			logger.Info("disconnected", zap.Int("code", code), zap.String("reason", reason))
		},
		OnReconnecting: func(attempt, max int, delay time.Duration) {
			logger.Info("reconnecting",
				zap.Int("attempt", attempt),
				zap.Int("max", max),
				zap.Duration("delay", delay),
			)
		},
		OnLeaderboardUpdate: func(update *protocol.Update) {
			fmt.Printf("update #%d on %s: %d entries\n",
				update.Sequence, update.LeaderboardID, update.Leaderboard.TotalEntries)
		},
		OnError: func(err error) {
			logger.Warn("realtime error", zap.Error(err))
		},
	})

	if err := manager.Connect(cmd.Context(), topic, ""); err != nil {
		return err
	}
	defer manager.Disconnect()

	<-cmd.Context().Done()
	return nil
}

func watchSSE(cmd *cobra.Command, client *rankpipe.Client, topic string) error {
	stream := client.SSE(sse.Callbacks{
		OnConnected: func(topic string) {
			logger.Info("stream connected", zap.String("topic", topic))
		},
		OnLeaderboardUpdate: func(topic string, update *protocol.Update) {
			fmt.Printf("update #%d on %s: %d entries\n",
				update.Sequence, topic, update.Leaderboard.TotalEntries)
		},
		OnError: func(topic string, err error) {
			logger.Warn("stream error", zap.String("topic", topic), zap.Error(err))
		},
	})

	stream.Connect(cmd.Context(), topic)
	defer stream.DisconnectAll()

	<-cmd.Context().Done()
	return nil
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay any queued offline submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			before := client.Queue().Size()
			if before == 0 {
				fmt.Println("queue is empty")
				return nil
			}

			if err := client.ProcessQueue(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("drained %d of %d queued submissions\n", before-client.Queue().Size(), before)
			return nil
		},
	}
}
