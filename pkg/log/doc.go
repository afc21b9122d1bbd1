/*
Package log provides structured logging via zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions
for the context fields used across the object store, commit graph, cloud
sync, and peer mesh.

# Usage

Initializing the Logger:

	import "github.com/pageledger/ledger/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Component Loggers:

	pageLog := log.WithPageID(pageID.String())
	pageLog.Info().Msg("page opened")

	commitLog := log.WithCommitID(commit.ID.String())
	commitLog.Debug().Msg("commit applied")

	deviceLog := log.WithDevice(string(fingerprint))
	deviceLog.Warn().Msg("cloud erase detected")

# Design Patterns

Global Logger Pattern: a single package-level Logger instance,
initialized once via log.Init() at process start and used from every
package without being passed down an explicit call chain.

Context Logger Pattern: WithComponent/WithPageID/WithCommitID/WithDevice
return a child zerolog.Logger with one field already attached, so callers
never repeat the same .Str(...) on every log line for a given page,
commit, or device.

# Best Practices

Do:
  - Use Info level for production, Debug only when troubleshooting.
  - Attach page/commit/device context via the With* helpers.
  - Log errors with .Err() rather than string-formatting them.

Don't:
  - Log piece contents or device fingerprints at Info level or above.
  - Concatenate values into the message string instead of using fields.
*/
package log
