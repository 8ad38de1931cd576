/*
Package network reserves TCP ports for cluster application endpoints and FTP
sidecars.

Free means two things at once: the OS can bind the port on loopback and no
cluster row in the store records it. The allocator additionally holds
transient in-process reservations so two concurrent creations cannot be
handed the same port before either row is persisted.

PassiveRange computes the disjoint 10-port passive-FTP window for a control
port, wrapping below 22000 and advancing window by window until one is
entirely OS-free.
*/
package network
