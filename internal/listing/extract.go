package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/uusseis/sis-poller/internal/domain/station"
	"github.com/uusseis/sis-poller/internal/logger"
)

var (
	// ErrNoTableFound is returned when the page carries no <table> element.
	ErrNoTableFound = errors.New("no table found")
	// ErrMalformedRow is returned for a network row whose link cell has no usable anchor.
	ErrMalformedRow = errors.New("malformed row")
)

const (
	// columnCount is the fixed width of a data row in the listing.
	columnCount = 5
	// linkColumn holds the anchor to the StationXML file.
	linkColumn = 1
	// modifiedColumn holds the last modified stamp.
	modifiedColumn = 2
)

// RowError describes a skipped table row.
type RowError struct {
	// Row is the 1-based position of the <tr> inside the table.
	Row int
	// Err is the reason the row was skipped.
	Err error
}

// Error implements the error interface.
func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

// Unwrap exposes the underlying reason for errors.Is.
func (e *RowError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one page extraction.
type Result struct {
	// Records are the kept stations in table order.
	Records []station.Record
	// Skipped lists rows of the network that could not be turned into records.
	Skipped []*RowError
}

// Extract parses htmlText and returns the records of network found in the first table.
// A row is read only when it has exactly five cells and its link cell markup
// contains "<network>_". Broken rows are skipped and reported in Result.Skipped;
// only a missing table fails the whole page.
func Extract(ctx context.Context, htmlText, network string, allowlist Allowlist) (*Result, error) {
	document, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	table := document.Find("table").First()
	if table.Length() == 0 {
		return nil, ErrNoTableFound
	}

	var (
		prefix = network + "_"
		result = new(Result)
	)

	table.Find("tr").Each(func(index int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td")
		if cells.Length() != columnCount {
			return
		}

		rowNumber := index + 1

		linkMarkup, err := cells.Eq(linkColumn).Html()
		if err != nil || !strings.Contains(linkMarkup, prefix) {
			return
		}

		record, keep, err := readRow(cells, allowlist)
		if err != nil {
			skipped := &RowError{Row: rowNumber, Err: err}
			result.Skipped = append(result.Skipped, skipped)

			logger.WarnKV(ctx, "Skipping listing row", "network", network, "row", rowNumber, "error", err)

			return
		}

		if !keep {
			logger.DebugKV(ctx, "Station not in allowlist", "network", network, "station", record.Station)
			return
		}

		result.Records = append(result.Records, record)
	})

	return result, nil
}

// readRow extracts the station name and last modified time of a candidate row.
// keep is false when the allowlist rejects the station; the stamp is not parsed then.
func readRow(cells *goquery.Selection, allowlist Allowlist) (station.Record, bool, error) {
	anchor := cells.Eq(linkColumn).Find("a").First()
	if anchor.Length() == 0 {
		return station.Record{}, false, fmt.Errorf("link cell has no anchor: %w", ErrMalformedRow)
	}

	name := strings.TrimSpace(anchor.Text())
	if name == "" {
		return station.Record{}, false, fmt.Errorf("anchor has no text: %w", ErrMalformedRow)
	}

	if !allowlist.Permits(name) {
		return station.Record{Station: name}, false, nil
	}

	epochSeconds, err := ParseTimestamp(strings.TrimSpace(cells.Eq(modifiedColumn).Text()))
	if err != nil {
		return station.Record{}, false, fmt.Errorf("%s: %w", name, err)
	}

	return station.New(name, epochSeconds), true, nil
}
