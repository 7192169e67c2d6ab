package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/airframesio/stumble-exporter/cmd/compressors"
	"github.com/airframesio/stumble-exporter/cmd/formatters"
)

// compressorForFile picks the decompressor from the artifact extension
func compressorForFile(path string) compressors.Compressor {
	for _, name := range compressors.Names() {
		c, err := compressors.GetCompressor(name)
		if err != nil || c.Extension() == "" {
			continue
		}
		if strings.HasSuffix(path, c.Extension()) {
			return c
		}
	}
	return compressors.NewNoneCompressor()
}

// inspectArtifact decodes an export artifact and summarizes its contents
func inspectArtifact(fs afero.Fs, path string) (formatters.WigleStats, error) {
	f, err := fs.Open(path)
	if err != nil {
		return formatters.WigleStats{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r, err := compressorForFile(path).NewReader(f)
	if err != nil {
		return formatters.WigleStats{}, fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	defer r.Close()

	return formatters.Summarize(r)
}

func printStats(w io.Writer, path string, stats formatters.WigleStats) {
	fmt.Fprintln(w, titleStyle.Render(filepath.Base(path)))
	fmt.Fprintf(w, "  Format:    %s-%s\n", formatters.FormatName, stats.Version)
	fmt.Fprintf(w, "  Lines:     %d\n", stats.Lines)
	fmt.Fprintf(w, "  Records:   %d\n", stats.Records)
	fmt.Fprintf(w, "  Networks:  %d\n", stats.Networks)
	if stats.Records > 0 {
		fmt.Fprintf(w, "  RSSI:      %d to %d dBm\n", stats.MinRSSI, stats.MaxRSSI)
	}
}
