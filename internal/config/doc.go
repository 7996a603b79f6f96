// Package config handles the host controller's HCL configuration.
//
// # Overview
//
// A flatvm config file describes one application VM: how to launch it, where
// its agent listens, which host directories to share, and which application
// to run once the agent is up.
//
// # Configuration Blocks
//
//   - vm: qemu binary, image, kernel, cpus/memory, runtime directory
//   - agent: agent socket address and protocol timeouts
//   - qmp: monitor socket used to power the VM down
//   - app: the application to run (labelled by id)
//   - share: a shared directory (labelled by kind: system, user, app)
//   - clipboard: host clipboard commands and poll interval
//   - notifications: host notification command
//   - metrics: optional Prometheus listener
//   - log: level and format
//
// # Variables
//
// Expressions can read the environment through the env object:
//
//	share "user" {
//	  source = "${env.HOME}/.local/share/flatpak"
//	}
package config
