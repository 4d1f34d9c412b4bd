package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jsherman999/keyspider/internal/reports"
	"github.com/jsherman999/keyspider/internal/unreachable"
)

func cmdReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	kind := fs.String("type", "summary", "Report: dormant, mystery, stale, exposure, summary")
	asJSON := fs.Bool("json", false, "Emit JSON instead of a table")
	staleDays := fs.Int("stale-age", 90, "Stale cutoff in days")
	minServers := fs.Int("min-servers", 2, "Exposure threshold")
	fs.Parse(args)

	_, st, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	switch *kind {
	case "dormant", "stale", "exposure":
		rows, err := st.AuthorizedKeyUsage(ctx)
		if err != nil {
			return err
		}
		switch *kind {
		case "dormant":
			return printAuthorized(reports.Dormant(rows), *asJSON)
		case "stale":
			maxAge := time.Duration(*staleDays) * 24 * time.Hour
			return printAuthorized(reports.Stale(rows, maxAge, time.Now()), *asJSON)
		default:
			return printExposure(reports.Exposure(rows, *minServers), *asJSON)
		}

	case "mystery":
		rows, err := st.ObservedKeys(ctx)
		if err != nil {
			return err
		}
		return printMystery(reports.Mystery(rows), *asJSON)

	case "summary":
		sum, err := st.LoadSummary(ctx)
		if err != nil {
			return err
		}
		return printSummary(sum, *asJSON)

	default:
		return fmt.Errorf("unknown report type %q", *kind)
	}
}

func emitJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAuthorized(rows []reports.AuthorizedKeyRow, asJSON bool) error {
	if asJSON {
		return emitJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("no matching keys")
		return nil
	}
	fmt.Printf("%-20s  %-47s  %-12s  %-10s  %s\n", "SERVER", "FINGERPRINT", "OWNER", "LAST USED", "FILE")
	for _, r := range rows {
		name := r.Hostname
		if name == "" {
			name = r.IPAddress
		}
		last := "never"
		if !r.LastUsedAt.IsZero() && r.EventCount > 0 {
			last = r.LastUsedAt.Format("2006-01-02")
		}
		fmt.Printf("%-20s  %-47s  %-12s  %-10s  %s\n",
			name, r.Fingerprint, r.UnixOwner, last, r.FilePath)
	}
	fmt.Printf("%d rows\n", len(rows))
	return nil
}

func printMystery(rows []reports.ObservedKeyRow, asJSON bool) error {
	if asJSON {
		return emitJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("no mystery keys")
		return nil
	}
	fmt.Printf("%-20s  %-47s  %-20s  %-8s  %s\n", "SERVER", "FINGERPRINT", "USERS", "EVENTS", "LAST SEEN")
	for _, r := range rows {
		name := r.Hostname
		if name == "" {
			name = r.IPAddress
		}
		users := ""
		for i, u := range r.Usernames {
			if i > 0 {
				users += ","
			}
			users += u
		}
		fmt.Printf("%-20s  %-47s  %-20s  %-8d  %s\n",
			name, r.Fingerprint, users, r.EventCount, r.LastSeenAt.Format("2006-01-02"))
	}
	fmt.Printf("%d rows\n", len(rows))
	return nil
}

func printExposure(rows []reports.ExposureRow, asJSON bool) error {
	if asJSON {
		return emitJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("no keys above the exposure threshold")
		return nil
	}
	fmt.Printf("%-47s  %-10s  %-7s  %s\n", "FINGERPRINT", "TYPE", "SERVERS", "HOSTS")
	for _, r := range rows {
		hosts := ""
		for i, s := range r.Servers {
			if i > 0 {
				hosts += ", "
			}
			hosts += s
		}
		fmt.Printf("%-47s  %-10s  %-7d  %s\n", r.Fingerprint, r.KeyType, r.ServerCount, hosts)
	}
	fmt.Printf("%d rows\n", len(rows))
	return nil
}

func printSummary(sum reports.Summary, asJSON bool) error {
	if asJSON {
		return emitJSON(sum)
	}
	fmt.Printf("servers:            %d (%d reachable)\n", sum.Servers, sum.ServersReachable)
	fmt.Printf("keys:               %d (%d host keys)\n", sum.Keys, sum.HostKeys)
	fmt.Printf("key locations:      %d\n", sum.KeyLocations)
	fmt.Printf("access events:      %d\n", sum.AccessEvents)
	fmt.Printf("paths:              %d (%d authorized, %d used, %d both)\n",
		sum.Paths, sum.PathsAuthorized, sum.PathsUsed, sum.PathsBoth)
	fmt.Printf("active watches:     %d\n", sum.ActiveWatches)
	if len(sum.UnreachableSources) > 0 {
		fmt.Printf("unreachable sources:\n")
		for _, sev := range []string{
			unreachable.SeverityCritical, unreachable.SeverityHigh,
			unreachable.SeverityMedium, unreachable.SeverityLow,
		} {
			if n, ok := sum.UnreachableSources[sev]; ok {
				fmt.Printf("  %-9s %d\n", sev, n)
			}
		}
	}
	return nil
}
