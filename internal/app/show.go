package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/service"
)

// Show prints recent outcomes.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	return a.withService(ctx, func(svc *service.Service) error {
		outcomes, err := svc.RecentOutcomes(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(outcomes) == 0 {
			fmt.Fprintln(os.Stdout, "no outcomes found")
			return nil
		}
		return printOutcomes(os.Stdout, outcomes)
	})
}

func printOutcomes(out io.Writer, outcomes []gateway.Outcome) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tType\tSender\tRecipient\tAsset\tAmount\tUSD\tWindow\tPayload")
	for _, o := range outcomes {
		payload := "-"
		if len(o.Payload) > 0 {
			payload = shortHash(o.PayloadHash)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			o.CreatedAt.UTC().Format(time.RFC3339),
			o.TxType,
			o.Sender.Hex(),
			o.Recipient.Hex(),
			assetLabel(o.Asset),
			o.Amount,
			gateway.FormatUSD(o.USDValue),
			o.WindowID,
			payload,
		)
	}
	return writer.Flush()
}

// ShowUsage prints remaining capacity for the given assets, or every
// configured asset when none are named.
func (a *App) ShowUsage(ctx context.Context, assets []common.Address) error {
	return a.withService(ctx, func(svc *service.Service) error {
		usage, err := svc.Usage(ctx, assets)
		if err != nil {
			return err
		}
		return printUsage(os.Stdout, usage)
	})
}

func printUsage(out io.Writer, u service.Usage) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Paused:\t%t\n", u.Config.Paused)
	fmt.Fprintf(writer, "Per-deposit caps:\t%s .. %s USD\n", gateway.FormatUSD(u.Config.MinCapUSD), gateway.FormatUSD(u.Config.MaxCapUSD))
	fmt.Fprintf(writer, "Window:\t%d\n", u.CurrentWindowID)
	fmt.Fprintf(writer, "Window cap:\t%s USD\n", gateway.FormatUSD(u.Window.CapUSD))
	fmt.Fprintf(writer, "Consumed:\t%s USD\n", gateway.FormatUSD(u.ConsumedUSD))
	fmt.Fprintf(writer, "Remaining:\t%s USD\n", gateway.FormatUSD(u.RemainingUSD))
	if err := writer.Flush(); err != nil {
		return err
	}
	if len(u.Assets) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tWhitelisted\tLimit/epoch\tEpoch (s)\tEpoch id\tUsed\tRemaining")
	for _, au := range u.Assets {
		limit := "disabled"
		if au.Limit.Enabled() {
			limit = fmt.Sprintf("%d", au.Limit.LimitPerEpoch)
		}
		fmt.Fprintf(
			writer,
			"%s\t%t\t%s\t%d\t%d\t%d\t%d\n",
			assetLabel(au.Limit.Asset),
			au.Whitelisted,
			limit,
			au.Limit.EpochDuration,
			au.EpochID,
			au.UsedThisEpoch,
			au.Remaining,
		)
	}
	return writer.Flush()
}

func assetLabel(asset common.Address) string {
	if gateway.IsNative(asset) {
		return "native"
	}
	return asset.Hex()
}

func shortHash(h common.Hash) string {
	hex := h.Hex()
	if len(hex) <= 14 {
		return hex
	}
	return hex[:10] + ".." + hex[len(hex)-4:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	return strings.ReplaceAll(cleaned, "\r", " ")
}
