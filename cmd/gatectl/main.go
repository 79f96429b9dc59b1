package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"ms-gatekeeper/internal/models"
	"ms-gatekeeper/internal/store"
	"ms-gatekeeper/internal/ticketref"
)

// gatectl seeds a gate database with test tickets and writes matching QR
// images so a physical scanner can be exercised without the booking server.
func main() {
	dbPath := flag.String("db", "gate.db", "path to the gate database")
	outDir := flag.String("out", "qr", "directory for generated QR images")
	secret := flag.String("secret", "", "HMAC secret for signed ticket codes (empty: plain reference QRs)")
	date := flag.String("date", time.Now().Format("20060102"), "booking date as YYYYMMDD")
	count := flag.Int("count", 5, "number of test tickets to create")
	flag.Parse()

	if *count < 1 {
		fmt.Fprintln(os.Stderr, "count must be at least 1")
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open gate database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create output directory: %v\n", err)
		os.Exit(1)
	}

	parser := ticketref.NewParser(*secret, nil)
	bookingDate := formatBookingDate(*date)
	ctx := context.Background()

	for i := 1; i <= *count; i++ {
		serial := fmt.Sprintf("%06d", i)
		referenceNo := *date + "-" + serial
		paxByTag := samplePax(i)

		record := models.BookingRecord{
			BookingDate: bookingDate,
			ReferenceNo: referenceNo,
			Attractions: map[string]models.AttractionUsage{},
		}
		for tag, pax := range paxByTag {
			record.Attractions[tag] = models.AttractionUsage{Pax: pax}
		}

		created, err := st.ApplyBooking(ctx, record)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot seed %s: %v\n", referenceNo, err)
			os.Exit(1)
		}

		payload := referenceNo
		if *secret != "" {
			payload, err = parser.Generate(*date, serial, paxByTag)
			if err != nil {
				fmt.Fprintf(os.Stderr, "cannot sign %s: %v\n", referenceNo, err)
				os.Exit(1)
			}
		}

		imgPath := filepath.Join(*outDir, referenceNo+".png")
		if err := qrcode.WriteFile(payload, qrcode.Medium, 256, imgPath); err != nil {
			fmt.Fprintf(os.Stderr, "cannot write %s: %v\n", imgPath, err)
			os.Exit(1)
		}

		action := "updated"
		if created {
			action = "created"
		}
		fmt.Printf("%s %s %v -> %s\n", action, referenceNo, paxByTag, imgPath)
	}
}

// samplePax rotates through ticket shapes: A only, A+B, then all three
// attractions, with small varying quotas.
func samplePax(i int) map[string]int {
	pax := map[string]int{models.TagA: 1 + i%4}
	if i%3 != 0 {
		pax[models.TagB] = 1 + (i+1)%3
	}
	if i%3 == 2 {
		pax[models.TagC] = 2
	}
	return pax
}

// formatBookingDate converts YYYYMMDD to the store's YYYY-MM-DD form,
// passing malformed input through unchanged.
func formatBookingDate(date string) string {
	if len(date) != 8 {
		return date
	}
	return date[:4] + "-" + date[4:6] + "-" + date[6:]
}
