package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"rare_birds/models"
	"rare_birds/scraper"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Exercise one stage of the pipeline by hand",
}

var debugScrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Print the raw sightings a source strategy returns",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		var (
			sightings []models.RawSighting
			source    models.SourceKind
			err       error
		)

		switch strategy {
		case "fallback":
			sightings, source = rootApp.source().Fetch(ctx, rootApp.cfg.Region)
		case string(models.SourceScrape), string(models.SourceAPI):
			source = models.SourceKind(strategy)
			h := scraper.NewHandler(source, rootApp.cfg, rootApp.clients, rootApp.metrics)
			sightings, err = h.Scrape(ctx, rootApp.cfg.Region)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown strategy %q", strategy)
		}

		fmt.Fprintf(os.Stderr, "%d sightings from %s\n", len(sightings), source)
		return printJSON(sightings)
	},
}

var debugGeocodeCmd = &cobra.Command{
	Use:   "geocode <address>",
	Short: "Resolve a place with the region's bounding box",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address := strings.Join(args, " ")
		coords, ok := rootApp.geocoder().Resolve(context.Background(), address)
		if !ok {
			return fmt.Errorf("could not geocode %q", address)
		}
		return printJSON(coords)
	},
}

var debugReferenceCmd = &cobra.Command{
	Use:   "reference <species>",
	Short: "Look up the summary and cached image for a species",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info := rootApp.reference().Lookup(context.Background(), strings.Join(args, " "))
		return printJSON(info)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
