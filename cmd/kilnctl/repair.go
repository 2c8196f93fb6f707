package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnmedia/kiln/internal/imageproc"
	"github.com/kilnmedia/kiln/internal/queue"
	"github.com/kilnmedia/kiln/internal/scanner"
	"github.com/kilnmedia/kiln/internal/store"
)

var (
	repairLibrary    string
	repairCollection string
	repairDryRun     bool
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Repair inconsistent generated artifacts",
}

// Cache images written before animation passthrough existed are flat
// single-frame conversions of animated sources. This sweep finds them,
// drops the stale artifact and queues regeneration.
var repairAnimatedCmd = &cobra.Command{
	Use:   "animated",
	Short: "Regenerate cache images that lost animation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if repairLibrary == "" && repairCollection == "" {
			return fmt.Errorf("one of --library or --collection is required")
		}
		cfg, st, pub, err := open(!repairDryRun)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		var colls []store.Collection
		if repairCollection != "" {
			coll, err := st.GetCollection(ctx, repairCollection)
			if err != nil {
				return err
			}
			colls = []store.Collection{*coll}
		} else {
			if colls, err = st.ListCollections(ctx, repairLibrary); err != nil {
				return err
			}
		}

		var checked, stale, queued int
		for i := range colls {
			coll := &colls[i]
			images, err := st.ListImages(ctx, coll.ID)
			if err != nil {
				return err
			}
			for _, img := range images {
				rec, err := st.GetCacheImage(ctx, coll.ID, img.ImageID)
				if err != nil {
					continue
				}
				checked++

				srcRef := queue.SourceRef{Path: filepath.Join(coll.Path, filepath.FromSlash(img.RelativePath))}
				if coll.Type == store.CollectionArchive {
					srcRef = queue.SourceRef{Path: coll.Path, ArchiveEntry: img.RelativePath}
				}
				src, err := scanner.ReadSource(coll.Type, srcRef.Path, srcRef.ArchiveEntry)
				if err != nil {
					fmt.Fprintf(os.Stderr, "skipping %s: %v\n", img.RelativePath, err)
					continue
				}
				srcFormat, _, _, err := imageproc.DetectFormat(src)
				if err != nil || !imageproc.IsAnimated(src, srcFormat) {
					continue
				}

				cached, err := os.ReadFile(rec.Path)
				if err == nil {
					cachedFormat, _, _, derr := imageproc.DetectFormat(cached)
					if derr == nil && imageproc.IsAnimated(cached, cachedFormat) {
						continue
					}
				}
				stale++

				if repairDryRun {
					fmt.Printf("would regenerate %s / %s\n", coll.Name, img.RelativePath)
					continue
				}

				if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
					fmt.Fprintf(os.Stderr, "failed to remove %s: %v\n", rec.Path, err)
					continue
				}
				if err := st.RemoveCacheImage(ctx, coll.ID, img.ImageID); err != nil {
					return err
				}
				if rec.FolderID != "" && rec.SizeBytes > 0 {
					if err := st.AccountFolderDelete(ctx, rec.FolderID, rec.SizeBytes); err != nil {
						fmt.Fprintf(os.Stderr, "failed to release folder capacity: %v\n", err)
					}
				}
				if err := pub.EnqueueCache(ctx, queue.ArtifactPayload{
					ImageID:      img.ImageID,
					CollectionID: coll.ID,
					Source:       srcRef,
					TargetWidth:  cfg.Cache.Width,
					TargetHeight: cfg.Cache.Height,
					Quality:      cfg.Cache.Quality,
					Format:       cfg.Cache.Format,
				}); err != nil {
					return err
				}
				queued++
			}
		}

		fmt.Printf("%d cache images checked, %d lost animation, %d regenerations queued\n", checked, stale, queued)
		return nil
	},
}

func init() {
	repairAnimatedCmd.Flags().StringVar(&repairLibrary, "library", "", "Repair every collection of a library")
	repairAnimatedCmd.Flags().StringVar(&repairCollection, "collection", "", "Repair a single collection")
	repairAnimatedCmd.Flags().BoolVar(&repairDryRun, "dry-run", false, "Report without changing anything")
	repairCmd.AddCommand(repairAnimatedCmd)
}
