// Package recipe loads the declarative build definition (kiln.toml): the
// pinned base image, the system packages to install, the dependency manifest
// location, the application source context, and the entry command executed
// when a container instance starts.
package recipe
