// Package qenv supervises private, locally-spawned kdb+ (q) server
// processes and the client connections to them, for callers that need an
// addressable analytic database on demand: test harnesses, interactive
// tooling, benchmarks.
//
// A Session composes credentials, a process supervisor and a connection
// manager behind one start/stop/eval surface. Port collisions with other
// sessions on the host are treated as steady-state noise: pooled
// credentials draw from a shuffled candidate range and migrate to the next
// port when a conflict is detected.
//
// # Basic usage
//
//	ctx := context.Background()
//
//	sess, err := qenv.NewSession(nil) // pooled defaults
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := sess.Start(ctx, qenv.StartReuse); err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close()
//
//	if err := sess.Set(ctx, "x", int64(42)); err != nil {
//	    log.Fatal(err)
//	}
//	v, err := sess.Eval(ctx, qenv.Query("2*x"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(v) // 84
//
// # Teardown
//
// Session.Stop closes the connection before terminating the process, kills
// the server's child processes before the server itself, and tolerates
// processes that already exited. Every spawn is recorded in a process-wide
// registry and a SQLite launch journal; Registry.StopAll is the program-exit
// finalizer surface, and ReapOrphans recovers servers whose owning program
// was killed before it could stop them:
//
//	func TestMain(m *testing.M) {
//	    code := m.Run()
//	    _ = qenv.DefaultRegistry().StopAll(context.Background())
//	    _, _ = qenv.ReapOrphans(context.Background())
//	    os.Exit(code)
//	}
//
// Logging goes through log/slog; SetLogger integrates it with the host
// application's logging setup.
package qenv
