// Package deploy materializes a generated artifact bundle into a private
// workspace and pushes it to the workflow runtime through an external CLI.
//
// The CLI sits behind the Tool interface. Runner owns the workspace
// lifecycle and the bounded retry loop; CLITool is the os/exec
// implementation that injects credentials through the child environment.
package deploy
