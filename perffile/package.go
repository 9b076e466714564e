// Package perffile reads and writes Linux perf.data files: the header,
// attribute table, feature headers (including TRACING_DATA, EVENT_DESC,
// CLOCKID, and CLOCK_DATA), and the sample/non-sample record stream.
//
// Reading a perf.data file starts with a call to New or Open. A
// perf.data file consists of a sequence of records, which can be
// retrieved with File.Records, as well as several metadata fields,
// which can be retrieved with other methods of File. Writing one
// starts with Create, followed by WriteEventData and Finalize.
package perffile // import "github.com/tracefs-go/tracepoint/perffile"
