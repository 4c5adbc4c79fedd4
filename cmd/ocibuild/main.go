package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/moby/ocibuild/internal/buildconfig"
	"github.com/moby/ocibuild/internal/imagebuilder"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	cmd := newBuildCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ocibuild:", err)
		os.Exit(1)
	}
}

func newBuildCommand() *cobra.Command {
	var (
		workers int
		debug   bool
	)
	cmd := &cobra.Command{
		Use:           "ocibuild",
		Short:         "Build OCI image directories from a build document on stdin",
		Long:          "ocibuild reads a YAML build document on standard input and writes an OCI image layout (index.json, oci-layout, blobs/) into the current working directory.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return runBuild(cmd.Context(), cmd.InOrStdin(), workers)
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&workers, "workers", "j", 0, "Number of images built in parallel (default: logical CPU count)")
	flags.BoolVarP(&debug, "debug", "D", false, "Enable debug logging")
	return cmd
}

func runBuild(ctx context.Context, in io.Reader, workers int) error {
	cfg, err := buildconfig.Decode(in)
	if err != nil {
		return err
	}
	outDir, err := os.Getwd()
	if err != nil {
		return err
	}
	return imagebuilder.Build(ctx, cfg, imagebuilder.Options{
		OutputDir: outDir,
		Workers:   workers,
	})
}
