package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/js8net/internal/aprs"
	"github.com/danmuck/js8net/internal/observability"
	"github.com/danmuck/js8net/internal/protocol/session"
	"github.com/danmuck/js8net/internal/station"
	"github.com/spf13/cobra"
)

func newPasscodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "passcode CALL",
		Short: "Print the APRS-IS passcode for a callsign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := station.Root(args[0])
			if root == "" {
				return fmt.Errorf("no callsign in %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", root, aprs.Passcode(args[0]))
			return nil
		},
	}
}

func newGridCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "grid LOCATOR",
		Short: "Convert a Maidenhead locator to APRS coordinates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			latDeg, lonDeg, err := aprs.LocatorToDegrees(args[0])
			if err != nil {
				return err
			}
			lat, lon, err := aprs.LocatorToAPRS(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.6f %.6f %s %s\n", latDeg, lonDeg, lat, lon)
			return nil
		},
	}
}

type spotOptions struct {
	by       string
	from     string
	grid     string
	comment  string
	host     string
	port     uint16
	passcode string
	timeout  time.Duration
	dryRun   bool
}

func newSpotCommand() *cobra.Command {
	opts := spotOptions{}
	cmd := &cobra.Command{
		Use:   "spot",
		Short: "Send one position report to APRS-IS and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			observability.InitLogger("js8net")
			payload, err := spotPayload(opts)
			if err != nil {
				return err
			}
			if opts.dryRun {
				fmt.Fprint(cmd.OutOrStdout(), payload)
				return nil
			}
			stream := session.NewStream(session.DefaultConfig(), session.WithStreamLogger(observability.Component("spot")))
			defer stream.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := stream.Send(ctx, opts.host, opts.port, []byte(payload), false, opts.timeout); err != nil {
				return fmt.Errorf("send spot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "spot sent to %s:%d\n", opts.host, opts.port)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.by, "by", "", "reporting station callsign (used to log in)")
	f.StringVar(&opts.from, "from", "", "heard station callsign")
	f.StringVar(&opts.grid, "grid", "", "heard station locator")
	f.StringVar(&opts.comment, "comment", "", "spot comment")
	f.StringVar(&opts.host, "host", "rotate.aprs2.net", "APRS-IS server host")
	f.Uint16Var(&opts.port, "port", 14580, "APRS-IS server port")
	f.StringVar(&opts.passcode, "passcode", "", "login passcode (derived from --by when empty)")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "connect and send timeout")
	f.BoolVar(&opts.dryRun, "dry-run", false, "print the lines instead of sending")
	_ = cmd.MarkFlagRequired("by")
	_ = cmd.MarkFlagRequired("grid")
	return cmd
}

// spotPayload renders the login line followed by the spot line.
func spotPayload(opts spotOptions) (string, error) {
	call := station.Root(opts.by)
	if call == "" {
		return "", errors.New("spot: --by callsign required")
	}
	code := aprs.Passcode(opts.by)
	if opts.passcode != "" {
		v, err := strconv.ParseUint(opts.passcode, 10, 16)
		if err != nil {
			return "", fmt.Errorf("spot: passcode %q: %w", opts.passcode, err)
		}
		if !aprs.VerifyPasscode(opts.by, uint16(v)) {
			return "", fmt.Errorf("spot: passcode %s does not match %s", opts.passcode, call)
		}
		code = uint16(v)
	}
	from := opts.from
	if from == "" {
		from = opts.by
	}
	line, err := aprs.SpotLine(opts.by, from, opts.grid, opts.comment, aprs.CommentLimit)
	if err != nil {
		return "", fmt.Errorf("spot: %w", err)
	}
	return aprs.LoginLine(opts.by, code, "") + line, nil
}
