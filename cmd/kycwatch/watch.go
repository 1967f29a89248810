package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/maruel/natural"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/livestatus/livestatus"
	"github.com/ghyeongl/livestatus/logging"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		duration    time.Duration
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch SUBJECT...",
		Short: "Stream KYC events for subjects until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			var opts []livestatus.Option
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				opts = append(opts, livestatus.WithMetrics(livestatus.NewMetrics(reg)))
				stopMetrics := serveMetrics(metricsAddr, reg)
				defer stopMetrics()
			}
			return runWatch(ctx, cmd.OutOrStdout(), s, args, opts...)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

// watchPrinter serializes output from delivery goroutines.
type watchPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	counts map[livestatus.Subject]int
}

func (p *watchPrinter) event(m livestatus.EventMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[m.Subject]++
	fmt.Fprintf(p.out, "%s %s %s via %s %s\n", //nolint:errcheck
		m.ReceivedAt.Format(time.TimeOnly), m.Subject, m.Kind, m.Transport, m.Payload)
}

func (p *watchPrinter) state(c livestatus.StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s state %s\n", time.Now().Format(time.TimeOnly), c.Subject, c.To) //nolint:errcheck
}

func runWatch(ctx context.Context, out io.Writer, s Settings, subjects []string, opts ...livestatus.Option) error {
	l := logging.Sub("watch")
	opts = append([]livestatus.Option{
		livestatus.WithDialer(&livestatus.WebsocketDialer{URL: s.StreamURL, Token: s.Token}),
		livestatus.WithFetcher(&livestatus.HTTPFetcher{BaseURL: s.BaseURL, Token: s.Token}),
	}, opts...)
	client, err := livestatus.New(s.Client, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	p := &watchPrinter{out: out, counts: make(map[livestatus.Subject]int)}
	removeListener := client.OnStateChange(p.state)
	defer removeListener()

	facade := livestatus.NewFacade(client)
	defer facade.Close()

	for _, raw := range subjects {
		subject := livestatus.Subject(raw)
		if _, err := facade.Use("watch/"+raw, subject); err != nil {
			return fmt.Errorf("watch %s: %w", raw, err)
		}
		for _, kind := range livestatus.AllKinds {
			unsub, err := client.SubscribeFunc(subject, kind, p.event)
			if err != nil {
				return fmt.Errorf("subscribe %s/%s: %w", raw, kind, err)
			}
			defer unsub()
		}
	}
	l.Info("watching", "subjects", len(subjects), "stream", s.StreamURL)

	<-ctx.Done()
	return printSummary(out, facade, subjects, p)
}

func printSummary(out io.Writer, facade *livestatus.Facade, subjects []string, p *watchPrinter) error {
	sorted := append([]string(nil), subjects...)
	sort.Slice(sorted, func(i, j int) bool { return natural.Less(sorted[i], sorted[j]) })

	p.mu.Lock()
	defer p.mu.Unlock()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBJECT\tSTATE\tSTATUS\tEVENTS\tRECENT") //nolint:errcheck
	for _, raw := range sorted {
		v, err := facade.Use("watch/"+raw, livestatus.Subject(raw))
		if err != nil {
			return err
		}
		snap := v.Snapshot()
		status := "-"
		if m, ok := snap.Latest[livestatus.KindStatusUpdate]; ok {
			var su livestatus.StatusUpdate
			if m.Payload.Decode(&su) == nil && su.Status != "" {
				status = su.Status
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", raw, snap.State.Phase, status, p.counts[livestatus.Subject(raw)], len(snap.Recent)) //nolint:errcheck
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, e := range logging.RecentErrors() {
		fmt.Fprintf(out, "recent error: %s %s\n", e.Time.Format(time.TimeOnly), e.Message) //nolint:errcheck
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Sub("metrics").Warn("metrics server stopped", "err", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	}
}
