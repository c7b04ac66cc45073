package control

import "hash/fnv"

// portBase and portSpan bound the loopback port range the control plane
// derives a port from (SPEC_FULL.md §4.3): the dynamic/private range,
// same floor the kernel itself uses for ephemeral ports.
const (
	portBase = 49152
	portSpan = 65535 - portBase + 1
)

// PortFromName deterministically derives a loopback port in
// [49152, 65535] from name. spec.md calls for "a per-user pipe/socket
// name derived from a stable hash of the OS username"; this broker
// implements that derived name as a derived port number, since a broker
// can't use its own port allocator to find its own discovery port.
// --pipe overrides the name hashed (letting two brokers on one machine,
// or a test harness, pick distinct control ports deliberately).
func PortFromName(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return portBase + int(h.Sum32()%uint32(portSpan))
}
