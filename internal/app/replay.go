package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"deposit-gateway/internal/api"
	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/service"
	"deposit-gateway/internal/storage"
)

const maxReplayLine = 1 << 20

// ReplayReport summarises a batch run.
type ReplayReport struct {
	Processed int
	Accepted  int
	// Rejected counts policy rejections, keyed by code.
	Rejected map[gateway.Code]int
	// Failed counts lines that could not be decoded or hit an infrastructure error.
	Failed int
}

func (r *ReplayReport) rejectedTotal() int {
	total := 0
	for _, n := range r.Rejected {
		total += n
	}
	return total
}

// Replay feeds a JSON-lines file of deposit requests through the gateway.
// Dry runs use fresh in-memory state seeded from the configuration.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	file, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer file.Close()

	var (
		store     storage.Backend
		ephemeral = true
	)
	if opts.DryRun {
		a.Logger.Warn().Msg("replay dry-run: nothing is persisted")
		policy, err := a.Config.Gateway.Policy()
		if err != nil {
			return err
		}
		store = storage.NewMemoryStore(policy)
	} else {
		var closeStore func()
		store, closeStore, ephemeral, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
	}

	svc, err := a.newService(ctx, store, ephemeral, serviceParts{})
	if err != nil {
		return err
	}

	report, err := a.replay(ctx, svc, file, opts)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int("processed", report.Processed).
		Int("accepted", report.Accepted).
		Int("rejected", report.rejectedTotal()).
		Int("failed", report.Failed).
		Msg("replay finished")
	for code, n := range report.Rejected {
		a.Logger.Info().Str("code", string(code)).Int("count", n).Msg("replay rejections")
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d replay lines failed; see log", report.Failed)
	}
	return nil
}

func (a *App) replay(ctx context.Context, svc *service.Service, r io.Reader, opts ReplayOptions) (ReplayReport, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	report := ReplayReport{Rejected: map[gateway.Code]int{}}
	var mu sync.Mutex
	record := func(fn func(*ReplayReport)) {
		mu.Lock()
		defer mu.Unlock()
		fn(&report)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if gctx.Err() != nil {
			break
		}

		n := lineNo
		group.Go(func() error {
			var req api.DepositRequest
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				a.Logger.Error().Err(err).Int("line", n).Msg("replay line malformed")
				record(func(r *ReplayReport) { r.Processed++; r.Failed++ })
				return nil
			}
			in := req.Input()
			if opts.Fund {
				if err := fundFor(gctx, svc, in); err != nil {
					return fmt.Errorf("line %d: %w", n, err)
				}
			}

			_, err := svc.Deposit(gctx, in)
			switch code := gateway.CodeOf(err); {
			case err == nil:
				record(func(r *ReplayReport) { r.Processed++; r.Accepted++ })
			case code != "":
				record(func(r *ReplayReport) { r.Processed++; r.Rejected[code]++ })
			case errors.Is(err, context.Canceled):
				return err
			default:
				a.Logger.Error().Err(err).Int("line", n).Msg("replay line failed")
				record(func(r *ReplayReport) { r.Processed++; r.Failed++ })
			}
			return nil
		})
	}
	scanErr := scanner.Err()
	if err := group.Wait(); err != nil {
		return report, err
	}
	if scanErr != nil {
		return report, fmt.Errorf("read replay file: %w", scanErr)
	}
	return report, nil
}
