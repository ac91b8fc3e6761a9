package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/sessions"
	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/shm"
	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

// Output formats for inspect commands
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var errNoSnapshot = errors.New("no snapshot published")

// SnapshotView is the inspect snapshot document
type SnapshotView struct {
	SchemaVersion uint32            `json:"schema_version"`
	UpdatedAtMs   int64             `json:"updated_at_ms"`
	PayloadBytes  int               `json:"payload_bytes"`
	Snapshot      entities.Snapshot `json:"snapshot"`
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect shared regions and stored sessions",
		Long: `Read the shared snapshot record, the event ring counters, or the session
database without disturbing the running helper.`,
	}
	cmd.PersistentFlags().StringP("format", "f", formatTable, "Output format: table, json, yaml")

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show the latest published snapshot",
		Args:  cobra.NoArgs,
		RunE:  runInspectSnapshot,
	}

	ringCmd := &cobra.Command{
		Use:   "ring",
		Short: "Show event ring counters without consuming events",
		Args:  cobra.NoArgs,
		RunE:  runInspectRing,
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List recent sessions, or the bookmarks of one session",
		Long: `Without arguments, list the most recent sessions. With a session id, list
its bookmarks. Use --loose to list bookmarks taken outside any session.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runInspectSessions,
	}
	sessionsCmd.Flags().Int("limit", 20, "Maximum sessions to list")
	sessionsCmd.Flags().Bool("loose", false, "List bookmarks taken outside any session")

	cmd.AddCommand(snapshotCmd, ringCmd, sessionsCmd)
	return cmd
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case formatTable, formatJSON, formatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("unknown format %q (must be table, json, or yaml)", format)
	}
}

// quietLogger discards adapter chatter so inspect output stays clean
func quietLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelError}))
}

func runInspectSnapshot(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	channels := cfg.Channels
	channel := shm.NewSnapshotChannel(channels.GetDir(), channels.SnapshotName, channels.GetSnapshotCapacity(), quietLogger(cmd))
	defer func() { _ = channel.Close() }()

	if !channel.Ensure() {
		return fmt.Errorf("opening snapshot region %s", channels.SnapshotName)
	}
	rec, ok := channel.Read()
	if !ok {
		return errNoSnapshot
	}

	snapshot, err := entities.ParseSnapshot(rec.Payload)
	if err != nil {
		return fmt.Errorf("parsing snapshot record: %w", err)
	}

	view := SnapshotView{
		SchemaVersion: rec.SchemaVersion,
		UpdatedAtMs:   rec.UpdatedAtMs,
		PayloadBytes:  len(rec.Payload),
		Snapshot:      snapshot,
	}

	return writeOutput(cmd.OutOrStdout(), format, view, func(w io.Writer) error {
		return printSnapshotTable(w, view, time.Now())
	})
}

func printSnapshotTable(out io.Writer, view SnapshotView, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	s := view.Snapshot

	_, _ = fmt.Fprintf(w, "SCHEMA\t%d\n", view.SchemaVersion)
	_, _ = fmt.Fprintf(w, "PAYLOAD\t%d bytes\n", view.PayloadBytes)
	_, _ = fmt.Fprintf(w, "ONLINE\t%t\n", s.Online)
	if s.HeartbeatMs > 0 {
		age := now.Sub(time.UnixMilli(s.HeartbeatMs)).Round(time.Millisecond)
		_, _ = fmt.Fprintf(w, "HEARTBEAT\t%s ago\n", age)
	}
	if s.Identity != nil {
		_, _ = fmt.Fprintf(w, "COMMANDER\t%s\n", s.Identity.Commander)
	}
	if s.Player != nil {
		_, _ = fmt.Fprintf(w, "PLAYER\t%s\n", s.Player.System)
	}
	_, _ = fmt.Fprintf(w, "ROUTE\t%d hops\n", len(s.Route))
	if node, ok := s.ActiveNode(); ok {
		_, _ = fmt.Fprintf(w, "ACTIVE\t%s\n", node.System)
	}
	_, _ = fmt.Fprintf(w, "PROXIMITY\t%d contacts\n", len(s.Proximity))
	if s.Controls != nil {
		_, _ = fmt.Fprintf(w, "VISIBLE\t%t\n", s.Controls.Visible)
		_, _ = fmt.Fprintf(w, "FOLLOW\t%t\n", s.Controls.FollowMode)
		_, _ = fmt.Fprintf(w, "COMPACT\t%t\n", s.Controls.Compact)
		if s.Controls.SessionID != "" {
			_, _ = fmt.Fprintf(w, "SESSION\t%s\n", s.Controls.SessionID)
		}
	}

	return w.Flush()
}

func runInspectRing(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
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

	stats, ok := ring.Stats()
	if !ok {
		return fmt.Errorf("opening event region %s", channels.EventName)
	}

	return writeOutput(cmd.OutOrStdout(), format, stats, func(out io.Writer) error {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SLOTS\tPAYLOAD CAP\tWRITE\tREAD\tPENDING\tDROPPED")
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\n",
			stats.SlotCount, stats.SlotPayloadCap, stats.WriteIndex, stats.ReadIndex, stats.Pending, stats.DroppedCount)
		return w.Flush()
	})
}

func runInspectSessions(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := sessions.Open(cfg.Sessions.GetDatabase(), quietLogger(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	loose, _ := cmd.Flags().GetBool("loose")
	if len(args) == 1 || loose {
		sessionID := ""
		if len(args) == 1 {
			sessionID = args[0]
		}
		bookmarks, err := store.Bookmarks(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		views := make([]BookmarkView, 0, len(bookmarks))
		for _, b := range bookmarks {
			views = append(views, BookmarkView{System: b.System, Body: b.Body, Note: b.Note, CreatedAt: b.CreatedAt})
		}
		return writeOutput(cmd.OutOrStdout(), format, views, func(out io.Writer) error {
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "CREATED\tSYSTEM\tBODY\tNOTE")
			for _, b := range views {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.CreatedAt.Format(time.RFC3339), b.System, b.Body, b.Note)
			}
			return w.Flush()
		})
	}

	limit, _ := cmd.Flags().GetInt("limit")
	list, err := store.RecentSessions(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []sessions.Session{}
	}

	return writeOutput(cmd.OutOrStdout(), format, list, func(out io.Writer) error {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tSTARTED\tSTOPPED\tSYSTEM\tBOOKMARKS")
		for _, s := range list {
			stopped := "active"
			if s.StoppedAt != nil {
				stopped = s.StoppedAt.Format(time.RFC3339)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", s.ID, s.StartedAt.Format(time.RFC3339), stopped, s.StartSystem, s.Bookmarks)
		}
		return w.Flush()
	})
}

// BookmarkView is the inspect form of a stored bookmark
type BookmarkView struct {
	System    string    `json:"system"`
	Body      string    `json:"body,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// writeOutput renders v as JSON or YAML, or calls table for the default format
func writeOutput(w io.Writer, format string, v interface{}, table func(io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		data, err := toYAML(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return table(w)
	}
}

// toYAML renders v with the same field names as its JSON form
func toYAML(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("converting to yaml: %w", err)
	}
	blockStyle(&doc)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("encoding yaml: %w", err)
	}
	return out, nil
}

// blockStyle clears the flow and quoting styles inherited from JSON
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, child := range n.Content {
		blockStyle(child)
	}
}
