package main

import (
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// applyHardening locks down the process before any key material loads.
// The daemon holds the store DEK and session shared secrets in memory,
// so crash dumps and swap must not capture them. Each step is best
// effort: a restricted environment may refuse some of them.
func applyHardening() {
	if runtime.GOOS != "linux" {
		log.Warn().Str("os", runtime.GOOS).Msg("Process hardening only supported on Linux")
		return
	}

	// Core dumps would write key material to disk
	if err := disableCoreDumps(); err != nil {
		log.Warn().Err(err).Msg("Failed to disable core dumps")
	} else {
		log.Info().Msg("Disabled core dumps")
	}

	// Non-dumpable blocks ptrace attachment from unprivileged processes
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to clear dumpable flag")
	}

	// SECURITY: Prevents gaining privileges through execve of setuid binaries
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to set no_new_privs")
	}

	// Keep key material out of swap
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Warn().Err(err).Msg("Failed to lock memory (mlockall)")
	} else {
		log.Info().Msg("Memory locked (mlockall)")
	}
}

func disableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}
