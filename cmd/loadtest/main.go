package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/twodo-sync-engine/internal/address"
	"github.com/example/twodo-sync-engine/internal/change"
	"github.com/example/twodo-sync-engine/internal/types"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	document := flag.String("document", "doc-loadtest", "document used by all clients")
	clients := flag.Int("clients", 100, "number of concurrent websocket clients")
	messages := flag.Int("messages", 20, "number of changes to send")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between changes")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("document", *document).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	latencyCh := make(chan latencySample, *clients**messages)
	var wg sync.WaitGroup

	u, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	// create listener clients first
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", id)
			q := u.Query()
			q.Set("clientId", clientID)
			u.RawQuery = q.Encode()
			conn, _, err := dialer.DialContext(ctx, u.String(), nil)
			if err != nil {
				logger.Error().Err(err).Str("client", clientID).Msg("dial failed")
				return
			}
			defer conn.Close()

			if err := join(conn, *document, clientID); err != nil {
				logger.Error().Err(err).Str("client", clientID).Msg("join failed")
				return
			}

			go readerLoop(ctx, conn, latencyCh, logger)

			if id == 0 {
				// author client seeds the workspace, then edits it
				if err := seed(conn, *document, clientID); err != nil {
					logger.Error().Err(err).Msg("failed to seed workspace")
					return
				}
				sendTicker := time.NewTicker(*interval)
				defer sendTicker.Stop()
				for j := 0; j < *messages; j++ {
					select {
					case <-ctx.Done():
						return
					case <-sendTicker.C:
						if err := sendChange(conn, *document, clientID, j); err != nil {
							logger.Error().Err(err).Msg("failed to send change")
							return
						}
					}
				}
				stop()
			} else {
				<-ctx.Done()
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	report(latencyCh, logger)
}

func join(conn *websocket.Conn, document, clientID string) error {
	env := types.Envelope{
		Type:     types.MsgJoinFile,
		Document: types.DocumentID(document),
		Client:   types.ClientID(clientID),
	}
	data, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func seed(conn *websocket.Conn, document, clientID string) error {
	env := types.Envelope{
		Type:      types.MsgFullSync,
		Document:  types.DocumentID(document),
		Client:    types.ClientID(clientID),
		Data:      json.RawMessage(`{"documents":[{"id":"doc-1","title":"seed","groups":[]}]}`),
		Timestamp: time.Now().UTC().UnixMilli(),
	}
	data, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func sendChange(conn *websocket.Conn, document, clientID string, seq int) error {
	client := types.ClientID(clientID)
	wire := change.Wire{
		Kind:     change.KindSet,
		Path:     address.P(address.FieldKey("documents"), address.IndexKey(0), address.FieldKey("title")),
		Value:    fmt.Sprintf("load test %d", seq),
		ChangeID: types.NewChangeID(client),
		Client:   client,
		At:       time.Now().UTC(),
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	env := types.Envelope{
		Type:     types.MsgChange,
		Document: types.DocumentID(document),
		Client:   client,
		Change:   payload,
	}
	data, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readerLoop(ctx context.Context, conn *websocket.Conn, latencies chan<- latencySample, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		var env types.Envelope
		if err := env.UnmarshalBinary(data); err != nil {
			logger.Warn().Err(err).Msg("failed to decode envelope")
			continue
		}
		if env.Type != types.MsgChange || env.SentAt.IsZero() {
			continue
		}
		latencies <- latencySample{dur: time.Since(env.SentAt)}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of changes met the 50ms target")
	}
}
