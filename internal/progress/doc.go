// Package progress measures transfer progress.
//
// A [Meter] counts bytes as they are written and hands back a [Sample] at most
// once per interval, carrying the instantaneous speed over the interval and
// the average speed since the start. Callers feed every chunk to [Meter.Add]
// and forward only the samples it returns.
//
// # Usage
//
//	meter := progress.NewMeter(total, 500*time.Millisecond)
//	for {
//	    n, err := body.Read(buf)
//	    ...
//	    if s, ok := meter.Add(int64(n)); ok {
//	        events <- s
//	    }
//	}
//	events <- meter.Finish()
//
// # Percent
//
// With a known total the percent is capped at 99 until [Meter.Finish] snaps it
// to 100, so observers never see 100% before the file is closed. With an
// unknown total (-1) the percent is a visual estimate capped at 95.
//
// [Printer] renders samples as console lines for the fetch command:
//
//	[romulator] Progress: 45.2% | 1.13 GiB / 2.5 GiB | Speed: 12 MiB/s | ETA: 1m 52s
package progress
