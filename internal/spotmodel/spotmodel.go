// Package spotmodel defines the record types shared by the scraper and the
// wsprdaemon server, and the column order each type is inserted in.
package spotmodel

import "time"

// Spot is a reception report as served by the upstream aggregator (spec.md §3.1).
type Spot struct {
	ID         uint64    `ch:"id"`
	Time       time.Time `ch:"time"`
	Band       int16     `ch:"band"`
	RxSign     string    `ch:"rx_sign"`
	RxLat      float64   `ch:"rx_lat"`
	RxLon      float64   `ch:"rx_lon"`
	RxLoc      string    `ch:"rx_loc"`
	TxSign     string    `ch:"tx_sign"`
	TxLat      float64   `ch:"tx_lat"`
	TxLon      float64   `ch:"tx_lon"`
	TxLoc      string    `ch:"tx_loc"`
	Distance   uint16    `ch:"distance"`
	Azimuth    uint16    `ch:"azimuth"`
	RxAzimuth  uint16    `ch:"rx_azimuth"`
	Frequency  uint64    `ch:"frequency"`
	Power      int8      `ch:"power"`
	SNR        int8      `ch:"snr"`
	Drift      int8      `ch:"drift"`
	Version    string    `ch:"version"`
	Code       int8      `ch:"code"`
}

// SpotColumns is the on-disk/insert column order for the spots table. Cache
// files and InsertBatch row tuples both follow this order (spec.md §6.1/§6.3).
var SpotColumns = []string{
	"id", "time", "band", "rx_sign", "rx_lat", "rx_lon", "rx_loc",
	"tx_sign", "tx_lat", "tx_lon", "tx_loc", "distance", "azimuth",
	"rx_azimuth", "frequency", "power", "snr", "drift", "version", "code",
}

// Row renders the spot as a positional tuple matching SpotColumns, the
// typed-struct replacement for the dynamic row tuples spec.md §9 calls for.
func (s Spot) Row() []any {
	return []any{
		s.ID, s.Time, s.Band, s.RxSign, s.RxLat, s.RxLon, s.RxLoc,
		s.TxSign, s.TxLat, s.TxLon, s.TxLoc, s.Distance, s.Azimuth,
		s.RxAzimuth, s.Frequency, s.Power, s.SNR, s.Drift, s.Version, s.Code,
	}
}

// ExtendedSpot augments Spot with receiver-side decode metadata and
// provenance fields contributed by the wsprdaemon archive ingester (spec.md §3.2).
type ExtendedSpot struct {
	Time             time.Time `ch:"time"`
	RxSign           string    `ch:"rx_sign"`
	RxLat            float64   `ch:"rx_lat"`
	RxLon            float64   `ch:"rx_lon"`
	RxLoc            string    `ch:"rx_loc"`
	TxSign           string    `ch:"tx_sign"`
	TxLat            float64   `ch:"tx_lat"`
	TxLon            float64   `ch:"tx_lon"`
	TxLoc            string    `ch:"tx_loc"`
	Distance         uint16    `ch:"distance"`
	Azimuth          uint16    `ch:"azimuth"`
	RxAzimuth        uint16    `ch:"rx_azimuth"`
	Band             int16     `ch:"band"`
	Frequency        uint64    `ch:"frequency"`
	Power            int8      `ch:"power"`
	SNR              int8      `ch:"snr"`
	Drift            int8      `ch:"drift"`
	Version          string    `ch:"version"`
	Code             int8      `ch:"code"`
	FFTNoiseFloor    float32   `ch:"fft_noise_floor"`
	RMSNoiseFloor    float32   `ch:"rms_noise_floor"`
	SyncQuality      float32   `ch:"sync_quality"`
	DecodeCycles     int32     `ch:"decode_cycles"`
	Jitter           int32     `ch:"jitter"`
	Blocksize        int32     `ch:"blocksize"`
	DecoderMetric    float32   `ch:"decoder_metric"`
	DecodeType       int8      `ch:"decode_type"`
	PassNumber       int8      `ch:"pass_number"`
	PacketMode       int8      `ch:"packet_mode"`
	ReceiverOverload int32     `ch:"receiver_overload_count"`
	SourceArchive    string    `ch:"source_archive"`
	SourceMember     string    `ch:"source_member"`
	Uploaded         bool      `ch:"uploaded"`
}

// ExtendedSpotColumns is the insert column order for spots_extended.
var ExtendedSpotColumns = []string{
	"time", "rx_sign", "rx_lat", "rx_lon", "rx_loc", "tx_sign", "tx_lat",
	"tx_lon", "tx_loc", "distance", "azimuth", "rx_azimuth", "band",
	"frequency", "power", "snr", "drift", "version", "code",
	"fft_noise_floor", "rms_noise_floor", "sync_quality", "decode_cycles",
	"jitter", "blocksize", "decoder_metric", "decode_type", "pass_number",
	"packet_mode", "receiver_overload_count", "source_archive",
	"source_member", "uploaded",
}

// Row renders the extended spot as a positional tuple matching ExtendedSpotColumns.
func (e ExtendedSpot) Row() []any {
	return []any{
		e.Time, e.RxSign, e.RxLat, e.RxLon, e.RxLoc, e.TxSign, e.TxLat,
		e.TxLon, e.TxLoc, e.Distance, e.Azimuth, e.RxAzimuth, e.Band,
		e.Frequency, e.Power, e.SNR, e.Drift, e.Version, e.Code,
		e.FFTNoiseFloor, e.RMSNoiseFloor, e.SyncQuality, e.DecodeCycles,
		e.Jitter, e.Blocksize, e.DecoderMetric, e.DecodeType, e.PassNumber,
		e.PacketMode, e.ReceiverOverload, e.SourceArchive, e.SourceMember,
		e.Uploaded,
	}
}

// Noise is a per-receiver-per-band background noise sample (spec.md §3.3).
type Noise struct {
	Time          time.Time `ch:"time"`
	Site          string    `ch:"site"`
	Receiver      string    `ch:"receiver"`
	RxLoc         string    `ch:"rx_loc"`
	Band          int16     `ch:"band"`
	RMSLevel      float32   `ch:"rms_level"`
	C2Level       float32   `ch:"c2_level"`
	OverloadCount int32     `ch:"overload_count"`
	TarFile       string    `ch:"tar_file"`
	SourceFile    string    `ch:"source_file"`
}

// NoiseColumns is the insert column order for the noise table.
var NoiseColumns = []string{
	"time", "site", "receiver", "rx_loc", "band", "rms_level", "c2_level",
	"overload_count", "tar_file", "source_file",
}

// Row renders the noise sample as a positional tuple matching NoiseColumns.
func (n Noise) Row() []any {
	return []any{
		n.Time, n.Site, n.Receiver, n.RxLoc, n.Band, n.RMSLevel, n.C2Level,
		n.OverloadCount, n.TarFile, n.SourceFile,
	}
}
