package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/medrex/ehr-access/pkg/rbac"
)

var csvHeader = []string{"Timestamp", "Principal", "Action", "ResourceType", "Status", "NetworkOrigin"}

// CSVWriter streams decisions in the export column layout
type CSVWriter struct {
	w *csv.Writer
}

// NewCSVWriter writes the header row and returns a writer for the records
func NewCSVWriter(out io.Writer) (*CSVWriter, error) {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	return &CSVWriter{w: w}, nil
}

// Write appends one row per decision
func (c *CSVWriter) Write(decisions []*rbac.AccessDecision) error {
	for _, d := range decisions {
		row := []string{
			d.Timestamp.UTC().Format(time.RFC3339),
			d.PrincipalID,
			d.Action,
			d.ResourceType,
			string(d.Outcome),
			d.NetworkOrigin,
		}
		if err := c.w.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	return nil
}

// Flush flushes buffered rows
func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}
