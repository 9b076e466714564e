package perffile

import (
	"fmt"
	"log"
)

func Example() {
	f, err := Open("perf.data")
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	rs := f.Records(RecordsTimeOrder)
	for rs.Next() {
		switch r := rs.Record.(type) {
		case *RecordSample:
			fmt.Printf("sample: %+v\n", r)
		}
	}
	if err := rs.Err(); err != nil {
		log.Fatal(err)
	}
}
