package metrics

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteText writes every family of gatherer in the Prometheus text
// exposition format.
func WriteText(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// DumpToFile writes a final snapshot of gatherer to path.
func DumpToFile(path string, gatherer prometheus.Gatherer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics dump: %w", err)
	}

	bw := bufio.NewWriter(f)
	if err := WriteText(bw, gatherer); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush metrics dump: %w", err)
	}
	return f.Close()
}
