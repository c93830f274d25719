package main

import (
	"fmt"
	"os"

	"golang.zabbix.com/sdk/plugin"
	"golang.zabbix.com/sdk/plugin/container"

	"github.com/kidoz/esxi-patcher-go/internal/agent2"
)

func main() {
	p := agent2.NewPlugin()

	err := plugin.RegisterMetrics(
		p, agent2.PluginName,
		"esxipatch.hosts_lld", "Returns LLD JSON for hosts in the latest run.",
		"esxipatch.host.state", "Returns the terminal state of a host.",
		"esxipatch.host.failure", "Returns the failure class of a host, empty on success.",
		"esxipatch.host.version", "Returns the host version after the run.",
		"esxipatch.host.applied", "Returns the number of artifacts applied to a host.",
		"esxipatch.host.artifact_index", "Returns the artifact index at which a host stopped.",
		"esxipatch.stats", "Returns run statistics.",
		"esxipatch.last_run", "Returns the finish time of the latest run.",
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register metrics: %s\n", err)
		os.Exit(1)
	}

	h, err := container.NewHandler(agent2.PluginName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create handler: %s\n", err)
		os.Exit(1)
	}

	if err := h.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "plugin execution failed: %s\n", err)
		os.Exit(1)
	}
}
