package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/shm"
	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

var errInvalidPayload = errors.New("payload must be valid JSON")

func newPublishEventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish-event <type>",
		Short: "Publish one renderer event into the event ring",
		Long: `Publish an event the way the renderer does, for testing a running helper.

Types: toggle_overlay, toggle_follow_mode, toggle_compact, session_start,
session_stop, bookmark_request.

Example:
  overlaysync publish-event toggle_compact
  overlaysync publish-event bookmark_request --payload '{"system":"Sol","note":"here"}'`,
		Args: cobra.ExactArgs(1),
		RunE: runPublishEvent,
	}
	cmd.Flags().String("payload", "", "JSON payload")
	return cmd
}

// buildEvent validates the command input and builds the event to publish
func buildEvent(typeName, payload string, now time.Time) (entities.Event, error) {
	eventType, err := entities.ParseEventType(typeName)
	if err != nil {
		return entities.Event{}, err
	}

	event := entities.Event{Type: eventType, TimestampMs: now.UnixMilli()}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return entities.Event{}, errInvalidPayload
		}
		event.Payload = []byte(payload)
	}
	return event, nil
}

func runPublishEvent(cmd *cobra.Command, args []string) error {
	payload, _ := cmd.Flags().GetString("payload")
	event, err := buildEvent(args[0], payload, time.Now())
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	channels := cfg.Channels
	ring := shm.NewEventRingChannel(channels.GetDir(), channels.EventName,
		uint32(channels.GetEventSlots()), uint32(channels.GetEventPayloadCap()), quietLogger(cmd)) // #nosec G115 - bounded by config validation
	defer func() { _ = ring.Close() }()

	if !ring.Ensure() {
		return fmt.Errorf("opening event region %s", channels.EventName)
	}
	if !ring.Publish(event) {
		return fmt.Errorf("publishing %s", event.Type)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Published %s\n", event.Type)
	return nil
}
