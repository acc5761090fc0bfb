// Package settings declares the file format for throttling rules and
// turns parsed files into runtime configs. Files may be YAML or JSON;
// a FileProducer plugs them into the config loader's refresh cycle, and
// a Watcher pushes reloads on file change instead of waiting for the
// next tick.
package settings
