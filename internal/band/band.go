// Package band classifies a frequency into its nominal amateur-radio band,
// adapted from the teacher's kiwi_wspr/band_utils.go frequencyToBand (there
// used to label a statistics bucket; here repurposed to decide whether a
// decoded frequency falls inside its claimed band or must additionally be
// routed to spots_frequency_overflow, per spec.md §4.4).
package band

// Band is a nominal amateur-radio allocation, identified by its WSPR band
// code (the int16 stored in spotmodel.Spot.Band — -1 for 2200m, 0 for 630m,
// and the band's lower edge in whole MHz for the rest, matching the
// convention used by WSPR reporting tools).
type Band struct {
	Code    int16
	Name    string
	LowHz   uint64
	HighHz  uint64
}

// Table lists the nominal WSPR sub-bands, 2200m through 6m, the same ranges
// the teacher's frequencyToBand switch encodes, expressed in Hz and paired
// with the band-code convention WSPR tools use.
var Table = []Band{
	{Code: -1, Name: "2200m", LowHz: 135700, HighHz: 137800},
	{Code: 0, Name: "630m", LowHz: 472000, HighHz: 479000},
	{Code: 1, Name: "160m", LowHz: 1800000, HighHz: 2000000},
	{Code: 3, Name: "80m", LowHz: 3500000, HighHz: 4000000},
	{Code: 5, Name: "60m", LowHz: 5250000, HighHz: 5450000},
	{Code: 7, Name: "40m", LowHz: 7000000, HighHz: 7300000},
	{Code: 10, Name: "30m", LowHz: 10100000, HighHz: 10150000},
	{Code: 14, Name: "20m", LowHz: 14000000, HighHz: 14350000},
	{Code: 18, Name: "17m", LowHz: 18068000, HighHz: 18168000},
	{Code: 21, Name: "15m", LowHz: 21000000, HighHz: 21450000},
	{Code: 24, Name: "12m", LowHz: 24890000, HighHz: 24990000},
	{Code: 28, Name: "10m", LowHz: 28000000, HighHz: 29700000},
	{Code: 50, Name: "6m", LowHz: 50000000, HighHz: 54000000},
}

// Classify returns the nominal band containing freqHz, and ok=false if no
// configured band covers it (an overflow candidate).
func Classify(freqHz uint64) (Band, bool) {
	for _, b := range Table {
		if freqHz >= b.LowHz && freqHz <= b.HighHz {
			return b, true
		}
	}
	return Band{}, false
}

// InBand reports whether freqHz falls within the nominal range declared for
// bandCode. An unknown bandCode is treated as out-of-band (overflow).
func InBand(bandCode int16, freqHz uint64) bool {
	for _, b := range Table {
		if b.Code == bandCode {
			return freqHz >= b.LowHz && freqHz <= b.HighHz
		}
	}
	return false
}
