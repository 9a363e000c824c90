// Command chatsync is a terminal client for the conversation service: it
// opens a thread with another user, tails its messages and sends each line
// read from stdin. Useful for poking at a deployment without the web app.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/tawhid3482/geniustutors-chat"
	"github.com/tawhid3482/geniustutors-chat/internal/stats"
	"github.com/tawhid3482/geniustutors-chat/types"
)

var (
	baseURL   string
	wsURL     string
	userId    string
	token     string
	peerId    string
	poll      bool
	debugAddr string
)

func main() {
	flag.StringVar(&baseURL, "base-url", "http://localhost:8000", "conversation service REST root")
	flag.StringVar(&wsURL, "ws-url", "", "live channel endpoint (derived from -base-url when empty)")
	flag.StringVar(&userId, "user-id", "", "id of the signed-in user")
	flag.StringVar(&token, "token", "", "bearer credential for the signed-in user")
	flag.StringVar(&peerId, "with", "", "id of the user to converse with")
	flag.BoolVar(&poll, "poll", false, "use periodic re-fetch instead of the live channel")
	flag.StringVar(&debugAddr, "debug-addr", "", "address to expose sync stats on (disabled when empty)")
	flag.Parse()

	logger := log.New(os.Stderr, "[chatsync] ", log.LstdFlags)

	if userId == "" || peerId == "" {
		logger.Fatal("both -user-id and -with are required")
	}

	cfg, err := chatsync.NewConfig(baseURL, wsURL)
	if err != nil {
		logger.Fatal("config: ", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	if debugAddr != "" {
		go func() {
			if err := http.ListenAndServe(debugAddr, mux); err != nil {
				logger.Println("debug server:", err)
			}
		}()
	}

	user := types.User{Id: userId}

	var syncer *chatsync.Syncer
	if poll {
		syncer = chatsync.NewPollingSyncer(cfg, user, token, logger, statsUpdater)
	} else {
		syncer = chatsync.NewSyncer(cfg, user, token, logger, statsUpdater)
	}
	syncer.SetSendErrorHandler(func(tempId, conversationId, errMsg string) {
		fmt.Fprintf(os.Stderr, "!! send rejected: %s\n", errMsg)
	})

	if err := syncer.Start(context.Background()); err != nil {
		logger.Fatal("start: ", err)
	}
	defer syncer.Stop()

	conversation, err := syncer.StartConversation(context.Background(), peerId)
	if err != nil {
		logger.Fatal("open conversation: ", err)
	}
	logger.Printf("conversation %s with %s", conversation.Id, peerId)

	go tail(syncer, conversation.Id)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := scanner.Text()
			if text == "" {
				continue
			}
			if _, err := syncer.Send(text); err != nil {
				fmt.Fprintf(os.Stderr, "!! %v\n", err)
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Printf("received signal: %s", sig)
}

// tail prints messages as they land in the store, including the caller's own
// optimistic sends and their later confirmations.
func tail(syncer *chatsync.Syncer, conversationId string) {
	seen := make(map[string]struct{})

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for _, message := range syncer.Messages(conversationId) {
			if _, ok := seen[message.Id]; ok {
				continue
			}
			seen[message.Id] = struct{}{}
			if message.Pending() {
				continue // print it once confirmed under its durable id
			}

			name := message.SenderId
			if message.Sender != nil && message.Sender.Name != "" {
				name = message.Sender.Name
			}
			fmt.Printf("%s %s: %s\n", message.CreatedAt.Format("15:04:05"), name, message.Text)
		}
	}
}
