// Package tripsync is the client-side synchronization core for the
// ThreeSixty school-transport apps: the session and token manager, the
// request gateway with its one-shot refresh-and-retry policy, the
// tagged cache, the trip lifecycle machine with attendance
// reconciliation, the location telemetry publisher, and the live push
// channel.
//
// The entry point is Client:
//
//	cfg, err := tripsync.NewConfigFromEnv()
//	if err != nil {
//		return err
//	}
//	c, err := tripsync.New(cfg, tripsync.WithSampler(gps))
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	if err := c.Start(ctx); err != nil {
//		return err
//	}
//
// Start hydrates a persisted credential and re-adopts a trip the
// server still reports in progress, so a crash or restart never leads
// to a duplicate trip. All state lives on the Client; nothing here is
// a process-wide singleton.
package tripsync
