/*
Package runtime is a thin adapter over a command-line container runtime
(typically the docker CLI).

The driver owns three things the rest of the control plane relies on:

  - Classified failures. Every failed invocation is classified exactly once,
    from its combined output, into a FailureKind (port conflict, network,
    image, volume, resource, permission, compose, exit code, not-found,
    unknown). Layers above switch on the kind; none of them inspect output
    strings.

  - The name→id cache. Container identity is the sanitized cluster name; the
    id is a cached lookup invalidated on remove, on create, and on any
    "no such container" result. ResolveID matches by containment because
    compose templates prefix and suffix container names.

  - Counter parsing. ParseBytes/ParseMemoryMiB/ParsePercent understand the
    suffix families the CLI emits (KiB/MiB/GiB/TiB and kB/MB/GB/TB) and
    treat a comma as a decimal point.

When the plain binary lacks permission, a sudo prefix is autodetected once
at construction via a --version probe.
*/
package runtime
