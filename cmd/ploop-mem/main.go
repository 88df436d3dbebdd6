// Command ploop-mem opens (or formats) an image-delta file on disk and
// exercises it as a single-layer ploop stack: a quick way to format a new
// image, inspect its shape, and read back its first cluster without a
// kernel block device in the loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	ploop "github.com/ploop/ploop"
	"github.com/ploop/ploop/internal/constants"
	"github.com/ploop/ploop/internal/delta"
	"github.com/ploop/ploop/internal/logging"
	"github.com/ploop/ploop/internal/ondisk"
)

func main() {
	var (
		path    = flag.String("path", "", "path to the image-delta backing file")
		sizeStr = flag.String("size", "64M", "virtual size of a freshly formatted image (e.g. 64M, 1G)")
		format  = flag.Bool("format", false, "format a new image at -path instead of opening an existing one")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("-path is required")
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid -size %q: %v", *sizeStr, err)
	}

	var top *delta.ImageDelta
	if *format {
		f, err := delta.OpenOSFile(*path, true)
		if err != nil {
			log.Fatalf("open backing file: %v", err)
		}
		clusterBytes := int64(1<<constants.DefaultClusterShift) * constants.SectorSize
		top, err = delta.Create(f, delta.CreateOptions{
			Role:                ondisk.RoleImageBase,
			ClusterShift:        constants.DefaultClusterShift,
			VirtualSizeClusters: uint64(size / clusterBytes),
		})
		if err != nil {
			log.Fatalf("format image: %v", err)
		}
		logger.Info("formatted new image", "path", *path, "virtual_size", *sizeStr)
	} else {
		f, err := delta.OpenOSFile(*path, false)
		if err != nil {
			log.Fatalf("open backing file: %v", err)
		}
		top, err = delta.Open(f, 0)
		if err != nil {
			log.Fatalf("open image: %v", err)
		}
		logger.Info("opened existing image", "path", *path, "generation", top.Generation())
	}

	engine, err := ploop.Open(ploop.DefaultParams(top))
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer engine.Close(context.Background())

	fmt.Printf("image %s: virtual_size=%d clusters, cluster_size=%d bytes\n",
		*path, engine.VirtualSizeClusters(), engine.ClusterSize())

	ctx := context.Background()
	buf := make([]byte, engine.ClusterSize())
	if err := engine.Read(ctx, 0, buf); err != nil {
		log.Fatalf("read cluster 0: %v", err)
	}
	fmt.Printf("cluster 0 first 16 bytes: % x\n", buf[:16])
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
