package service

// Package service implements supervision of OS child processes.
//
// Overview
// The Supervisor owns a registry of uniquely named Groups, one per configured
// service. A Group owns numprocs Instances. An Instance owns exactly one
// process slot and implements the lifecycle state machine:
//
//	          start                 starttime elapsed
//	STOPPED --------> STARTING ----------------------> RUNNING
//	   ^                 |  exit before starttime          | exit
//	   |                 v                                 v
//	   |            classification <-----------------------+
//	   |             |     |      \
//	   |      no restart  restart  retries > startretries
//	   |             |     |        \
//	   |          EXITED  BACKOFF   FATAL
//	   |                   | backoff delay
//	   |                   +--------> STARTING
//	   |
//	   +---- STOPPING <---- stop (from RUNNING or STARTING)
//
// Spawning is abstracted by Spawner. ExecSpawner runs `sh -c cmd` in its own
// process group with the configured umask, directory, environment and output.
// Each Process closes its Done channel exactly once, after the exit status is
// known, so the start race, the stop race and the exit watcher all observe
// the same event.
//
// Data flow:
//
//   Supervisor            Group{name}             Instance{name#i}        Spawner
//       |                    |                          |                    |
//   Start/Stop ---------> fan-out (join) ------------> Start() ------------> Spawn()
//       |                    |                          |<--- Done closed ---| (process exits)
//       |                    |                          | classify: EXITED / BACKOFF / FATAL
//   Reload(cfg): diff -> stop removed+modified -> drop removed -> build+start modified+added
//
// Invariants:
//   - At most one process per Instance at a time; restart stops before it starts.
//   - An exit observed while STOPPING never triggers a restart.
//   - The retry counter resets only when a start survives its starttime.
//   - A pending backoff retry is dropped when the instance left BACKOFF meanwhile.
//   - Reload leaves unchanged services untouched and swaps the config before any side effect.
