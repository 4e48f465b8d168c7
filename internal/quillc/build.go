// Copyright 2024 The zb Authors
// Copyright 2026 The Quill Authors
// SPDX-License-Identifier: MIT

package quillc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tailscale/hujson"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

type buildOptions struct {
	manifestFilename string
	jobLimit         int
}

func newBuildCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "build MANIFEST",
		Short:                 "compile every source file named in a JSONC build manifest",
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	c.Flags().IntVar(&opts.jobLimit, "jobs", 0, "maximum number of files to compile concurrently (0 = unlimited)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.manifestFilename = args[0]
		return runBuild(cmd.Context(), opts)
	}
	return c
}

// buildManifest is the JSONC document `qlc build` reads: a list of
// source files to compile and where to write each one's bytecode.
type buildManifest struct {
	Sources []buildManifestEntry `json:"sources"`
}

type buildManifestEntry struct {
	Path string `json:"path"`
	Out  string `json:"out"`
}

func loadManifest(path string) (*buildManifest, error) {
	huJSONData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsonData, err := hujson.Standardize(huJSONData)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v", path, err)
	}
	m := new(buildManifest)
	if err := jsonv2.Unmarshal(jsonData, m); err != nil {
		return nil, fmt.Errorf("read %s: %v", path, err)
	}
	return m, nil
}

func runBuild(ctx context.Context, opts *buildOptions) error {
	m, err := loadManifest(opts.manifestFilename)
	if err != nil {
		return err
	}
	if len(m.Sources) == 0 {
		return fmt.Errorf("%s: no sources listed", opts.manifestFilename)
	}

	buildID := uuid.New()
	manifestDir := filepath.Dir(opts.manifestFilename)
	log.Infof(ctx, "build %s: compiling %d file(s)", buildID, len(m.Sources))

	grp, grpCtx := errgroup.WithContext(ctx)
	if opts.jobLimit > 0 {
		grp.SetLimit(opts.jobLimit)
	}
	for _, entry := range m.Sources {
		grp.Go(func() error {
			return buildOne(grpCtx, buildID, manifestDir, entry)
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}

	log.Infof(ctx, "build %s: done", buildID)
	return nil
}

func buildOne(ctx context.Context, buildID uuid.UUID, manifestDir string, entry buildManifestEntry) error {
	path := entry.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(manifestDir, path)
	}
	out := entry.Out
	if out == "" {
		out = path + ".qlc"
	} else if !filepath.IsAbs(out) {
		out = filepath.Join(manifestDir, out)
	}

	proto, err := compileFile(path, entry.Path)
	if err != nil {
		return fmt.Errorf("build %s: %s: %w", buildID, entry.Path, err)
	}
	if err := os.WriteFile(out, proto.Encode(), 0o666); err != nil {
		return fmt.Errorf("build %s: %s: %w", buildID, entry.Path, err)
	}
	log.Debugf(ctx, "build %s: compiled %s -> %s", buildID, entry.Path, out)
	return nil
}
