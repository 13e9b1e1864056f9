package mcp

// OutputChannel is one known `out.<name>` artifact the agent can route
// content to via the route_output tool.
type OutputChannel struct {
	Name string
	Path string
}
