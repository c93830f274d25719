package zabbix

import (
	"context"
	"fmt"
	"log/slog"
)

// Zabbix item constants used by the template.
const (
	itemTypeTrapper   = 2
	valueTypeText     = 1 // character
	valueTypeUnsigned = 3
)

// trapperItem describes one item the reporter pushes.
type trapperItem struct {
	name      string
	key       string
	valueType int
	units     string
}

// templateItems are the batch-level items on the template.
func templateItems() []trapperItem {
	items := make([]trapperItem, 0, len(statNames)+1)
	for _, name := range statNames {
		items = append(items, trapperItem{
			name:      "ESXi patcher: hosts " + name,
			key:       fmt.Sprintf("%s[%s]", KeyStats, name),
			valueType: valueTypeUnsigned,
		})
	}
	items = append(items, trapperItem{
		name:      "ESXi patcher: last run",
		key:       KeyLastRun,
		valueType: valueTypeUnsigned,
		units:     "unixtime",
	})
	return items
}

// hostPrototypes are the per-host items created by the discovery rule.
func hostPrototypes() []trapperItem {
	return []trapperItem{
		{name: "Host {#H.NAME}: state", key: KeyHostState + "[{#H.ADDR}]", valueType: valueTypeText},
		{name: "Host {#H.NAME}: failure class", key: KeyHostFailure + "[{#H.ADDR}]", valueType: valueTypeText},
		{name: "Host {#H.NAME}: version", key: KeyHostVersion + "[{#H.ADDR}]", valueType: valueTypeText},
		{name: "Host {#H.NAME}: patches applied", key: KeyHostApplied + "[{#H.ADDR}]", valueType: valueTypeUnsigned},
		{name: "Host {#H.NAME}: failed artifact index", key: KeyHostArtifact + "[{#H.ADDR}]", valueType: valueTypeUnsigned},
	}
}

func (it trapperItem) params(hostID string) map[string]interface{} {
	p := map[string]interface{}{
		"hostid":     hostID,
		"name":       it.name,
		"key_":       it.key,
		"type":       itemTypeTrapper,
		"value_type": it.valueType,
	}
	if it.units != "" {
		p["units"] = it.units
	}
	return p
}

// EnsureTemplate creates the patcher template, or fills in whatever is
// missing on an existing one, and returns its id. When force is true the
// discovery rule is recreated so prototype changes apply.
func (c *Client) EnsureTemplate(ctx context.Context, force bool) (string, error) {
	templateParams := map[string]interface{}{
		"output": []string{"templateid", "host", "name"},
		"filter": map[string]interface{}{
			"host": c.cfg.Zabbix.Template,
		},
	}
	result, err := c.call(ctx, "template.get", templateParams)
	if err != nil {
		return "", fmt.Errorf("failed to check template: %w", err)
	}
	var templates []Template
	if err := decodeResult(result, &templates); err != nil {
		return "", err
	}

	var templateID string
	if len(templates) > 0 {
		templateID = templates[0].TemplateID
		c.log.Info("Template already exists", slog.String("template", c.cfg.Zabbix.Template))
	} else {
		groupID, err := c.ensureTemplateGroup(ctx, c.cfg.Zabbix.HostGroup)
		if err != nil {
			return "", err
		}
		c.log.Info("Creating template", slog.String("template", c.cfg.Zabbix.Template))
		result, err := c.call(ctx, "template.create", map[string]interface{}{
			"host":   c.cfg.Zabbix.Template,
			"name":   c.cfg.Zabbix.Template,
			"groups": []map[string]string{{"groupid": groupID}},
		})
		if err != nil {
			return "", fmt.Errorf("failed to create template: %w", err)
		}
		if templateID, err = createdID(result, "templateids"); err != nil {
			return "", err
		}
	}

	if err := c.ensureItems(ctx, templateID); err != nil {
		return "", err
	}
	if err := c.ensureDiscoveryRule(ctx, templateID, force); err != nil {
		return "", err
	}
	return templateID, nil
}

// ensureItems creates the template items that do not exist yet.
func (c *Client) ensureItems(ctx context.Context, templateID string) error {
	result, err := c.call(ctx, "item.get", map[string]interface{}{
		"output":      []string{"itemid", "key_"},
		"templateids": templateID,
	})
	if err != nil {
		return fmt.Errorf("failed to get template items: %w", err)
	}
	var existing []Item
	if err := decodeResult(result, &existing); err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, it := range existing {
		have[it.Key] = true
	}

	for _, it := range templateItems() {
		if have[it.key] {
			continue
		}
		if _, err := c.call(ctx, "item.create", it.params(templateID)); err != nil {
			return fmt.Errorf("failed to create item %s: %w", it.key, err)
		}
		c.log.Info("Created template item", slog.String("key", it.key))
	}
	return nil
}

// ensureDiscoveryRule makes sure the hosts discovery rule and its item
// prototypes exist on the template.
func (c *Client) ensureDiscoveryRule(ctx context.Context, templateID string, force bool) error {
	result, err := c.call(ctx, "discoveryrule.get", map[string]interface{}{
		"output":  []string{"itemid", "key_"},
		"hostids": templateID,
		"filter":  map[string]interface{}{"key_": KeyHostsLLD},
	})
	if err != nil {
		return fmt.Errorf("failed to get discovery rule: %w", err)
	}
	var rules []DiscoveryRule
	if err := decodeResult(result, &rules); err != nil {
		return err
	}

	if len(rules) > 0 && force {
		c.log.Warn("Recreating discovery rule", slog.String("key", KeyHostsLLD))
		if _, err := c.call(ctx, "discoveryrule.delete", []string{rules[0].ItemID}); err != nil {
			return fmt.Errorf("failed to delete discovery rule: %w", err)
		}
		rules = nil
	}

	var ruleID string
	if len(rules) > 0 {
		ruleID = rules[0].ItemID
	} else {
		result, err := c.call(ctx, "discoveryrule.create", map[string]interface{}{
			"hostid":   templateID,
			"name":     "ESXi patcher: hosts",
			"key_":     KeyHostsLLD,
			"type":     itemTypeTrapper,
			"lifetime": "30d",
		})
		if err != nil {
			return fmt.Errorf("failed to create discovery rule: %w", err)
		}
		if ruleID, err = createdID(result, "itemids"); err != nil {
			return err
		}
		c.log.Info("Created discovery rule", slog.String("key", KeyHostsLLD))
	}

	result, err = c.call(ctx, "itemprototype.get", map[string]interface{}{
		"output":       []string{"itemid", "key_"},
		"discoveryids": ruleID,
	})
	if err != nil {
		return fmt.Errorf("failed to get item prototypes: %w", err)
	}
	var protos []Item
	if err := decodeResult(result, &protos); err != nil {
		return err
	}
	have := make(map[string]bool, len(protos))
	for _, p := range protos {
		have[p.Key] = true
	}

	for _, it := range hostPrototypes() {
		if have[it.key] {
			continue
		}
		params := it.params(templateID)
		params["ruleid"] = ruleID
		if _, err := c.call(ctx, "itemprototype.create", params); err != nil {
			return fmt.Errorf("failed to create item prototype %s: %w", it.key, err)
		}
	}
	return nil
}

// ensureTemplateGroup returns the group templates are filed under. Zabbix
// 6.2 split template groups out of host groups.
func (c *Client) ensureTemplateGroup(ctx context.Context, name string) (string, error) {
	if c.getAPIVersionFloat() >= 6.2 {
		return c.ensureGroup(ctx, "templategroup", name)
	}
	return c.ensureGroup(ctx, "hostgroup", name)
}

// EnsureHostGroup ensures a host group exists and returns its ID
func (c *Client) EnsureHostGroup(ctx context.Context, name string) (string, error) {
	return c.ensureGroup(ctx, "hostgroup", name)
}

func (c *Client) ensureGroup(ctx context.Context, api, name string) (string, error) {
	result, err := c.call(ctx, api+".get", map[string]interface{}{
		"output": []string{"groupid", "name"},
		"filter": map[string]interface{}{"name": name},
	})
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", api, err)
	}
	var groups []HostGroup
	if err := decodeResult(result, &groups); err != nil {
		return "", err
	}
	if len(groups) > 0 {
		return groups[0].GroupID, nil
	}

	result, err = c.call(ctx, api+".create", map[string]interface{}{"name": name})
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", api, err)
	}
	return createdID(result, "groupids")
}
