package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lnurl-bridge/backend/internal/config"
	"github.com/lnurl-bridge/backend/internal/db"
	"github.com/lnurl-bridge/backend/internal/events"
	"github.com/lnurl-bridge/backend/internal/lnurl"
)

// Notify Bridge subscribes to notification requests on Redis and forwards
// them to the notification service.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	client := &http.Client{Timeout: 10 * time.Second}
	url := strings.TrimRight(cfg.NotifyServiceURL, "/") + "/internal/notify"

	err = subscriber.Subscribe(ctx, events.StreamNotify, func(event events.Event) {
		log.Info("forwarding notification", zap.String("type", event.Type))
		forward(ctx, client, url, event, log)
	})
	if err != nil {
		log.Fatal("failed to subscribe", zap.Error(err))
	}

	log.Info("notify-bridge started", zap.String("target", url))
	<-ctx.Done()
	log.Info("shutting down notify-bridge")
}

func forward(ctx context.Context, client *http.Client, url string, event events.Event, log *zap.Logger) {
	userID, ok := event.Payload["user_id"].(string)
	if !ok {
		return
	}

	body, _ := json.Marshal(map[string]any{
		"user_id": userID,
		"type":    event.Type,
		"text":    notificationText(event),
		"data":    event.Payload,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Warn("failed to build notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Warn("failed to forward notification", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn("notification service returned non-2xx", zap.Int("status", resp.StatusCode))
	}
}

func notificationText(event events.Event) string {
	if event.Type != events.EventPaymentReceived {
		return fmt.Sprintf("Event: %s", event.Type)
	}
	// JSON numbers decode as float64
	msats, _ := event.Payload["amount_msats"].(float64)
	address, _ := event.Payload["address"].(string)
	text := fmt.Sprintf("Received %d sats to %s", lnurl.MsatsToSats(int64(msats)), address)
	if comment, _ := event.Payload["comment"].(string); comment != "" {
		text += ": " + comment
	}
	return text
}
