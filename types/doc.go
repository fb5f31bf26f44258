// Package types defines the shared data model of the Nexus coordination
// core: events, agent descriptors, task contexts, deliberation modes, and
// the structured error taxonomy used across all components.
package types
