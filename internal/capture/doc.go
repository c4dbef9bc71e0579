// Package capture records a single microphone into fixed-size mono chunks.
//
// A Service owns one device for the length of a recording. It reads frames
// on its own goroutine, stamps each chunk with the capture-clock offset of
// its first sample (paused time excluded), archives everything it emits and
// publishes chunks and volume readings to any number of subscribers over
// bounded channels. A subscriber that falls behind misses values; the device
// loop never blocks on it.
//
// Device access goes through the Source interface. The PortAudio backend
// lives in package microphone.
//
// Usage:
//
//	svc, err := capture.NewService(source, capture.DefaultConfig(), logger, m)
//	chunks, cancel := svc.SubscribeChunks(64)
//	defer cancel()
//	if err := svc.Start(ctx, ""); err != nil {
//		return err
//	}
//	...
//	wav, err := svc.Stop()
package capture
