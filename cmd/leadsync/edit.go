package main

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/leadsync/internal/activity"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <lead-id> field=value...",
		Short: "Edit lead fields and save them",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignments, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			runtime, err := newClientRuntime()
			if err != nil {
				return err
			}
			defer runtime.logger.Sync() //nolint:errcheck

			engine, err := runtime.openEngine(args[0], nil)
			if err != nil {
				return err
			}
			defer engine.Close()
			engine.Wait()

			ctx := cmd.Context()
			for _, assignment := range assignments {
				if err := engine.SetField(ctx, assignment.name, assignment.value); err != nil {
					return err
				}
			}
			result, err := engine.Save(ctx)
			if err != nil {
				return err
			}
			runtime.logger.Info("lead saved",
				zap.String("lead_id", engine.LeadID()),
				zap.Strings("fields", result.Fields),
				zap.Stringer("save_state", engine.SaveState()))
			return nil
		},
	}
}

func newNoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "note <lead-id> text",
		Short: "Log a note on a lead",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.TrimSpace(strings.Join(args[1:], " "))
			if body == "" {
				return fmt.Errorf("note text is required")
			}
			runtime, err := newClientRuntime()
			if err != nil {
				return err
			}
			defer runtime.logger.Sync() //nolint:errcheck

			engine, err := runtime.openEngine(args[0], nil)
			if err != nil {
				return err
			}
			defer engine.Close()

			record, err := engine.LogActivity(cmd.Context(), body, activity.NoteDetail{})
			if err != nil {
				return err
			}
			runtime.logger.Info("note logged",
				zap.String("lead_id", engine.LeadID()),
				zap.String("activity_id", record.ID.String()))
			return nil
		},
	}
}

type assignment struct {
	name  string
	value any
}

func parseAssignments(args []string) ([]assignment, error) {
	assignments := make([]assignment, 0, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		assignments = append(assignments, assignment{name: name, value: value})
	}
	return assignments, nil
}
