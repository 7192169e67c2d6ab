package formatters

import (
	"strconv"
	"strings"
	"time"

	"github.com/airframesio/stumble-exporter/cmd/records"
)

// Wire format constants for the upload artifact
const (
	FormatName      = "WigleWifi"
	FormatVersion   = "1.0"
	Delimiter       = ','
	Placeholder     = '_'
	TimestampLayout = "2006-01-02 15:04:05"
)

// Columns is the column header of the upload artifact, in emission order
var Columns = []string{
	"MAC",
	"SSID",
	"AuthMode",
	"FirstSeen",
	"Channel",
	"RSSI",
	"CurrentLatitude",
	"CurrentLongitude",
	"AltitudeMeters",
	"AccuracyMeters",
}

// fieldReplacer strips the delimiter and line breaks out of free text
var fieldReplacer = strings.NewReplacer(
	string(Delimiter), string(Placeholder),
	"\n", string(Placeholder),
	"\r", string(Placeholder),
)

// WigleFormatter serializes records into the WigleWifi delimited text format
type WigleFormatter struct {
	location *time.Location
}

// NewWigleFormatter creates a formatter that renders timestamps in local time
func NewWigleFormatter() *WigleFormatter {
	return &WigleFormatter{location: time.Local}
}

// WithLocation sets the time zone timestamps are rendered in
func (f *WigleFormatter) WithLocation(loc *time.Location) *WigleFormatter {
	f.location = loc
	return f
}

// Header returns the format/version line followed by the column line
func (f *WigleFormatter) Header() []byte {
	var b strings.Builder
	b.WriteString(FormatName)
	b.WriteByte('-')
	b.WriteString(FormatVersion)
	b.WriteByte('\n')
	b.WriteString(strings.Join(Columns, string(Delimiter)))
	b.WriteByte('\n')
	return []byte(b.String())
}

// AppendRecord appends one newline-terminated line for r to dst
func (f *WigleFormatter) AppendRecord(dst []byte, r records.Record, n records.Network) []byte {
	bssid := n.BSSID
	if bssid == "" {
		bssid = r.BSSID
	}

	dst = append(dst, SanitizeField(bssid)...)
	dst = append(dst, Delimiter)
	dst = append(dst, SanitizeField(n.SSID)...)
	dst = append(dst, Delimiter)
	dst = append(dst, SanitizeField(n.Capabilities)...)
	dst = append(dst, Delimiter)
	dst = r.Time.In(f.location).AppendFormat(dst, TimestampLayout)
	dst = append(dst, Delimiter)
	dst = strconv.AppendInt(dst, int64(n.Channel()), 10)
	dst = append(dst, Delimiter)
	dst = strconv.AppendInt(dst, int64(r.Level), 10)
	dst = append(dst, Delimiter)
	dst = strconv.AppendFloat(dst, r.Latitude, 'f', -1, 64)
	dst = append(dst, Delimiter)
	dst = strconv.AppendFloat(dst, r.Longitude, 'f', -1, 64)
	dst = append(dst, Delimiter)
	dst = strconv.AppendFloat(dst, r.Altitude, 'f', -1, 64)
	dst = append(dst, Delimiter)
	dst = strconv.AppendFloat(dst, r.Accuracy, 'f', -1, 64)
	dst = append(dst, '\n')
	return dst
}

// Record returns the serialized line for r
func (f *WigleFormatter) Record(r records.Record, n records.Network) []byte {
	return f.AppendRecord(make([]byte, 0, 128), r, n)
}

// Extension returns the file extension for the format
func (f *WigleFormatter) Extension() string {
	return ".csv"
}

// MIMEType returns the MIME type for the format
func (f *WigleFormatter) MIMEType() string {
	return "text/csv"
}

// SanitizeField replaces the delimiter and line breaks with the placeholder and
// invalid UTF-8 with '?'. No other quoting is applied.
func SanitizeField(s string) string {
	return fieldReplacer.Replace(strings.ToValidUTF8(s, "?"))
}
