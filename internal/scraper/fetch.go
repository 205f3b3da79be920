// Package scraper implements the top-level WSPRNET Scraper loop, spec.md
// §4.4: fetch, dedupe, insert, cache-on-failure, periodic replay. The CSV
// download-and-parse shape is grounded on N2WQ-GoCluster/skew/skew.go's
// Fetch/parseCSV; the authenticated request itself rides on an
// internal/session.Manager.
package scraper

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/n5wspr/wsprcore/internal/logging"
	"github.com/n5wspr/wsprcore/internal/session"
	"github.com/n5wspr/wsprcore/internal/spotmodel"
	"github.com/n5wspr/wsprcore/internal/wsprerr"
)

const maxParseSamplesLogged = 10

// Fetcher pulls recently-added spots from the upstream aggregator.
type Fetcher struct {
	sess       *session.Manager
	downloadURL string
}

func NewFetcher(sess *session.Manager, downloadURL string) *Fetcher {
	return &Fetcher{sess: sess, downloadURL: downloadURL}
}

// FetchRecentSpots retrieves spots with id > sinceID. The "since" filter is
// best-effort: the caller must still dedupe against sinceID client-side
// (spec.md §4.3/§4.4).
func (f *Fetcher) FetchRecentSpots(ctx context.Context, sinceID uint64) ([]spotmodel.Spot, error) {
	url := f.downloadURL + "?since=" + strconv.FormatUint(sinceID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, wsprerr.Wrap(err, "scraper: build fetch request")
	}

	resp, err := f.sess.Do(req)
	if err != nil {
		return nil, wsprerr.MarkTransient(wsprerr.Wrap(err, "scraper: fetch request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusFound {
		f.sess.MarkExpired()
		return nil, wsprerr.MarkTransient(wsprerr.Newf("scraper: session expired (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, wsprerr.MarkTransient(wsprerr.Newf("scraper: unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wsprerr.MarkTransient(wsprerr.Wrap(err, "scraper: read response"))
	}
	if !bytes.Contains(body, []byte(",")) {
		f.sess.MarkExpired()
		return nil, wsprerr.MarkTransient(wsprerr.New("scraper: response missing expected data marker"))
	}

	return parseSpotCSV(body)
}

// parseSpotCSV parses the aggregator's row-per-spot CSV export into
// spotmodel.Spot values, matching the column order spec.md §3.1 declares.
// Malformed rows are counted and skipped, never abort the whole fetch
// (spec.md §7 DataDefect policy).
func parseSpotCSV(raw []byte) ([]spotmodel.Spot, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	logger := logging.WithComponent("scraper")
	var spots []spotmodel.Spot
	malformed := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			malformed++
			if malformed <= maxParseSamplesLogged {
				logger.Warn().Err(err).Msg("skipping malformed CSV row")
			}
			continue
		}
		if len(record) == 0 {
			continue
		}
		first := strings.TrimSpace(record[0])
		if first == "" || strings.EqualFold(first, "id") {
			continue
		}
		spot, err := parseSpotRow(record)
		if err != nil {
			malformed++
			if malformed <= maxParseSamplesLogged {
				logger.Warn().Err(err).Strs("row", record).Msg("skipping malformed spot row")
			}
			continue
		}
		spots = append(spots, spot)
	}
	return spots, nil
}

func parseSpotRow(record []string) (spotmodel.Spot, error) {
	if len(record) != len(spotmodel.SpotColumns) {
		return spotmodel.Spot{}, wsprerr.MarkDataDefect(wsprerr.Newf("scraper: expected %d fields, got %d", len(spotmodel.SpotColumns), len(record)))
	}

	id, err1 := strconv.ParseUint(record[0], 10, 64)
	epoch, err2 := strconv.ParseInt(record[1], 10, 64)
	band, err3 := strconv.ParseInt(record[2], 10, 16)
	rxLat, err4 := strconv.ParseFloat(record[4], 64)
	rxLon, err5 := strconv.ParseFloat(record[5], 64)
	txLat, err6 := strconv.ParseFloat(record[8], 64)
	txLon, err7 := strconv.ParseFloat(record[9], 64)
	distance, err8 := strconv.ParseUint(record[11], 10, 16)
	azimuth, err9 := strconv.ParseUint(record[12], 10, 16)
	rxAzimuth, err10 := strconv.ParseUint(record[13], 10, 16)
	frequency, err11 := strconv.ParseUint(record[14], 10, 64)
	power, err12 := strconv.ParseInt(record[15], 10, 8)
	snr, err13 := strconv.ParseInt(record[16], 10, 8)
	drift, err14 := strconv.ParseInt(record[17], 10, 8)
	code, err15 := strconv.ParseInt(record[19], 10, 8)

	for _, err := range []error{err1, err2, err3, err4, err5, err6, err7, err8, err9, err10, err11, err12, err13, err14, err15} {
		if err != nil {
			return spotmodel.Spot{}, wsprerr.MarkDataDefect(wsprerr.Wrap(err, "scraper: parse spot row"))
		}
	}

	return spotmodel.Spot{
		ID:        id,
		Time:      time.Unix(epoch, 0).UTC(),
		Band:      int16(band),
		RxSign:    record[3],
		RxLat:     rxLat,
		RxLon:     rxLon,
		RxLoc:     record[6],
		TxSign:    record[7],
		TxLat:     txLat,
		TxLon:     txLon,
		TxLoc:     record[10],
		Distance:  uint16(distance),
		Azimuth:   uint16(azimuth),
		RxAzimuth: uint16(rxAzimuth),
		Frequency: frequency,
		Power:     int8(power),
		SNR:       int8(snr),
		Drift:     int8(drift),
		Version:   record[18],
		Code:      int8(code),
	}, nil
}
