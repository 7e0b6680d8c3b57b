/*
Package dynhost is a plugin host toolkit: it loads plugin modules into reclaimable isolation domains,
invokes them through one fixed shaped command and hot reloads them when their files change.

# License

Source codes are under Apache License Version 2.0.

# Modules

 1. Go relocatable object files or archives (extension .o or .a) are linked at runtime by [goloader],
    they link against the host executable symbols, so a plugin shares the host copy of the framework package.
 2. Core WebAssembly modules (extension .wasm) are compiled by [wazero], one runtime per isolation domain,
    their imports are the references which are resolved inside the domain or taken from the host pool.
 3. Platform shared libraries are registered into the domain symbol table, optionally from a shadow copy
    so the original file is never locked.

# Packages

  - manifest: dependency manifest entries and the HCL manifest file.
  - resolver: resolves module and native library names to files.
  - bridge: semantic types, trampoline shapes and arenas, the tagged argument and the wire layout.
  - domain: isolation domain and its builder.
  - export: builds export tables and lifecycle event tables from introspected functions.
  - plugin: plugin host with load, reload and dispose.
  - watch: debounced file change watcher.
  - dispatch: the single command entry point.

# Notes

 1. Only exported functions can link and use, this is the limitation of [goloader].
 2. Sym must directly fetch and use in code, should not reuse the cast result or the Sym itself.
    But the function result is safe to use for multiple times.
 3. Object files are produced by the compile command of cmd/dynhost.

[goloader]: https://github.com/pkujhd/goloader
[wazero]: https://github.com/tetratelabs/wazero
*/
package dynhost
