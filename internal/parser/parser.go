// Package parser extracts recipient addresses from uploaded CSV lists.
package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/shineum/csv-mailer/internal/email"
)

// ErrMalformedCSV is returned when the input cannot be read as UTF-8 CSV.
var ErrMalformedCSV = errors.New("malformed CSV")

// addressColumn is the zero-based column holding the recipient address.
const addressColumn = 1

// Recipients reads CSV rows from r and returns the addresses found in the
// second column, in file order. Rows with fewer than two columns are
// skipped, addresses failing email.ValidAddress are logged and dropped, and
// repeated addresses (compared case-insensitively) keep only their first
// occurrence. Input that is not valid UTF-8 anywhere fails the whole list
// with ErrMalformedCSV. There is no header row handling: a header whose second cell
// is not an address is dropped like any other invalid row.
func Recipients(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	var recipients []string
	seen := make(map[string]struct{})

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCSV, err)
		}
		for i, field := range record {
			if !utf8.ValidString(field) {
				line, _ := reader.FieldPos(i)
				return nil, fmt.Errorf("%w: invalid UTF-8 on line %d", ErrMalformedCSV, line)
			}
		}

		if len(record) <= addressColumn {
			continue
		}

		line, _ := reader.FieldPos(addressColumn)
		address := strings.TrimSpace(record[addressColumn])
		if !email.ValidAddress(address) {
			slog.Warn("invalid email address in recipient list",
				"line", line,
				"value", address,
			)
			continue
		}

		key := strings.ToLower(address)
		if _, dup := seen[key]; dup {
			slog.Debug("duplicate recipient skipped",
				"line", line,
				"address", address,
			)
			continue
		}
		seen[key] = struct{}{}
		recipients = append(recipients, address)
	}

	return recipients, nil
}
