package zabbix

import (
	"context"
	"fmt"
	"log/slog"
)

// GetHostByName returns a host by its technical name, or nil when there is
// none.
func (c *Client) GetHostByName(ctx context.Context, name string) (*Host, error) {
	params := map[string]interface{}{
		"output":                []string{"hostid", "host", "name", "status"},
		"filter":                map[string]interface{}{"host": name},
		"selectParentTemplates": []string{"templateid", "host", "name"},
	}

	result, err := c.call(ctx, "host.get", params)
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	var hosts []Host
	if err := decodeResult(result, &hosts); err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, nil
	}
	return &hosts[0], nil
}

// CreateHost creates a new host in Zabbix
func (c *Client) CreateHost(ctx context.Context, host *Host, groupIDs []string, templateIDs []string) (string, error) {
	groups := make([]map[string]string, len(groupIDs))
	for i, gid := range groupIDs {
		groups[i] = map[string]string{"groupid": gid}
	}

	templates := make([]map[string]string, len(templateIDs))
	for i, tid := range templateIDs {
		templates[i] = map[string]string{"templateid": tid}
	}

	params := map[string]interface{}{
		"host":      host.Host,
		"name":      host.Name,
		"groups":    groups,
		"templates": templates,
	}
	if len(host.Interfaces) > 0 {
		params["interfaces"] = host.Interfaces
	}

	result, err := c.call(ctx, "host.create", params)
	if err != nil {
		return "", fmt.Errorf("failed to create host: %w", err)
	}
	return createdID(result, "hostids")
}

// EnsureReportHost creates the trapper host the reporter sends to, or links
// the template to it when it already exists.
func (c *Client) EnsureReportHost(ctx context.Context, templateID string) (string, error) {
	name := c.cfg.Zabbix.ReportHost
	existing, err := c.GetHostByName(ctx, name)
	if err != nil {
		return "", err
	}

	if existing != nil {
		for _, t := range existing.Templates {
			if t.TemplateID == templateID {
				c.log.Info("Report host already exists", slog.String("host", name))
				return existing.HostID, nil
			}
		}
		templates := make([]map[string]string, 0, len(existing.Templates)+1)
		for _, t := range existing.Templates {
			templates = append(templates, map[string]string{"templateid": t.TemplateID})
		}
		templates = append(templates, map[string]string{"templateid": templateID})
		if _, err := c.call(ctx, "host.update", map[string]interface{}{
			"hostid":    existing.HostID,
			"templates": templates,
		}); err != nil {
			return "", fmt.Errorf("failed to link template to %s: %w", name, err)
		}
		c.log.Info("Linked template to report host", slog.String("host", name))
		return existing.HostID, nil
	}

	groupID, err := c.EnsureHostGroup(ctx, c.cfg.Zabbix.HostGroup)
	if err != nil {
		return "", err
	}
	hostID, err := c.CreateHost(ctx, &Host{Host: name, Name: "ESXi patcher"}, []string{groupID}, []string{templateID})
	if err != nil {
		return "", err
	}
	c.log.Info("Created report host", slog.String("host", name), slog.String("hostid", hostID))
	return hostID, nil
}
