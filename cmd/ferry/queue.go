package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tigerroll/ferry/internal/app"
	"github.com/tigerroll/ferry/pkg/batch/core/domain/model"
	"github.com/tigerroll/ferry/pkg/batch/support/util/serialization"
)

func newEnqueueCommand(src *app.Source) *cobra.Command {
	var requestType, payloadJSON string
	cmd := &cobra.Command{
		Use:   "enqueue <jobKey>",
		Short: "Queue a run of a job and print the request id",
		Long: `Queue a run of a job and print the request id.

An IMMEDIATE run resumes from the job's checkpoint. A HISTORY run ignores the checkpoint and
merges --payload over the job params, e.g. to reload a date range:

  ferry enqueue orders_copy --type HISTORY --payload '{"filter":"day BETWEEN ? AND ?","filter_args":["2025-01-01","2025-01-31"]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := parseWorkType(requestType)
			if err != nil {
				return err
			}
			payload, err := parsePayload(payloadJSON)
			if err != nil {
				return err
			}
			return app.Exec(cmd.Context(), *src, func(ctx context.Context, s app.Services) error {
				id, err := enqueue(ctx, s, args[0], rt, payload)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&requestType, "type", string(model.RequestImmediate), "request type: IMMEDIATE or HISTORY")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON object attached to the request")
	return cmd
}

func newStopCommand(src *app.Source) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <jobKey>",
		Short: "Ask the worker running a job to stop at the next chunk boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Exec(cmd.Context(), *src, func(ctx context.Context, s app.Services) error {
				id, err := enqueue(ctx, s, args[0], model.RequestStop, nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

// enqueue checks that jobKey is defined before queueing the request.
func enqueue(ctx context.Context, s app.Services, jobKey string, rt model.RequestType, payload model.Params) (string, error) {
	if _, err := s.Repository.FindJob(ctx, jobKey); err != nil {
		return "", err
	}
	return s.Repository.Enqueue(ctx, jobKey, rt, payload)
}

func parseWorkType(value string) (model.RequestType, error) {
	rt := model.RequestType(strings.ToUpper(strings.TrimSpace(value)))
	for _, t := range model.WorkRequestTypes {
		if rt == t {
			return rt, nil
		}
	}
	return "", fmt.Errorf("--type must be %s or %s, got '%s'", model.RequestImmediate, model.RequestHistory, value)
}

func parsePayload(value string) (model.Params, error) {
	var payload map[string]interface{}
	if err := serialization.UnmarshalParams([]byte(strings.TrimSpace(value)), &payload); err != nil {
		return nil, fmt.Errorf("--payload must be a JSON object: %w", err)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return model.Params(payload), nil
}
