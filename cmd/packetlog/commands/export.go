package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/opticfluorine/sovereign-net/pkg/log"
)

// RunExport converts the capture at path to jsonl or csv, writing to output
// or to stdout if output is empty.
func RunExport(path, format, output string) error {
	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return Export(path, format, w)
}

// Export converts the capture at path to format on w.
func Export(path, format string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	switch format {
	case "jsonl":
		enc := json.NewEncoder(w)
		return each(reader, func(e log.Event) error {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			return nil
		})
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"timestamp", "connection_id", "session_id", "direction", "layer", "category", "type", "tag", "nonce", "size", "error_kind"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	err := each(reader, func(e log.Event) error {
		var tag, nonce, size, kind string
		switch {
		case e.Packet != nil:
			tag = e.Packet.Tag
			nonce = strconv.FormatUint(uint64(e.Packet.Nonce), 10)
			size = strconv.Itoa(e.Packet.Size)
		case e.Frame != nil:
			size = strconv.Itoa(e.Frame.Size)
		case e.Error != nil:
			kind = e.Error.Kind
		}
		row := []string{
			e.Timestamp.UTC().Format(timeFormat),
			strconv.FormatUint(e.ConnectionID, 10),
			e.SessionID,
			e.Direction.String(),
			e.Layer.String(),
			e.Category.String(),
			typeLabel(e),
			tag, nonce, size, kind,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		return nil
	})
	cw.Flush()
	if err != nil {
		return err
	}
	return cw.Error()
}
