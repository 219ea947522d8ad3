// Package render compiles the agent's templates (build/quiesce/scrub
// scripts for each server type, firewall and VPN config, bridge and
// answer-file fragments) as embedded assets and renders them with a
// context map. The templates themselves are opaque render inputs; this
// package's only contract with the rest of the agent is the named set
// plus the context fields each one expects.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

//go:embed templates
var assets embed.FS

// Template names. ParseFS registers each asset under its base filename,
// so every file under templates/ must have a name unique across the
// whole tree regardless of which subdirectory it lives in; the vm_/
// vr_/snapshot_/backup_ prefixes exist for that reason, not for looks.
const (
	TemplateVRFirewall       = "vr_firewall.tmpl"
	TemplateVRVPN            = "vr_vpn.tmpl"
	TemplateVRBuild          = "vr_build.tmpl"
	TemplateVRQuiesce        = "vr_quiesce.tmpl"
	TemplateVRRestart        = "vr_restart.tmpl"
	TemplateVRScrub          = "vr_scrub.tmpl"
	TemplateVRFloatingBridge = "vr_floating_bridge.tmpl"

	TemplateVMBridgeDefinition = "vm_bridge_definition.tmpl"
	TemplateVMBridgeBuild      = "vm_bridge_build.tmpl"
	TemplateVMBridgeScrub      = "vm_bridge_scrub.tmpl"
	TemplateVMBuildLinux       = "vm_build_linux.tmpl"
	TemplateVMBuildWindows     = "vm_build_windows.tmpl"
	TemplateVMQuiesceLinux     = "vm_quiesce_linux.tmpl"
	TemplateVMQuiesceWindows   = "vm_quiesce_windows.tmpl"
	TemplateVMRestartLinux     = "vm_restart_linux.tmpl"
	TemplateVMRestartWindows   = "vm_restart_windows.tmpl"
	TemplateVMScrubLinux       = "vm_scrub_linux.tmpl"
	TemplateVMScrubWindows     = "vm_scrub_windows.tmpl"
	TemplateVMUpdateLinux      = "vm_update_linux.tmpl"
	TemplateVMUpdateWindows    = "vm_update_windows.tmpl"
	TemplateVMAnswerKickstart  = "vm_answer_kickstart.tmpl"
	TemplateVMAnswerUnattend   = "vm_answer_unattend.tmpl"
	TemplateVMCloudInitUser    = "vm_cloud_init_user_data.tmpl"
	TemplateVMCloudInitMeta    = "vm_cloud_init_meta_data.tmpl"

	TemplateSnapshotBuildLinux   = "snapshot_build_linux.tmpl"
	TemplateSnapshotBuildWindows = "snapshot_build_windows.tmpl"
	TemplateSnapshotScrubLinux   = "snapshot_scrub_linux.tmpl"
	TemplateSnapshotScrubWindows = "snapshot_scrub_windows.tmpl"

	TemplateBackupBuildLinux    = "backup_build_linux.tmpl"
	TemplateBackupBuildWindows  = "backup_build_windows.tmpl"
	TemplateBackupScrubLinux    = "backup_scrub_linux.tmpl"
	TemplateBackupScrubWindows  = "backup_scrub_windows.tmpl"
	TemplateBackupUpdateLinux   = "backup_update_linux.tmpl"
	TemplateBackupUpdateWindows = "backup_update_windows.tmpl"
)

// Renderer compiles every embedded template once at construction and
// serves repeated renders from the parsed set.
type Renderer struct {
	tmpl *template.Template
}

// New parses every *.tmpl asset under templates/, with sprig's string
// and network helper functions available to all of them.
func New() (*Renderer, error) {
	tmpl, err := template.New("robot").Funcs(sprig.TxtFuncMap()).ParseFS(assets, "templates/*.tmpl", "templates/*/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing embedded templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render executes the named template against context, returning the
// rendered string. Rendering the same name with the same context twice
// produces byte-identical output, since text/template execution is pure
// given a pure context map.
func (r *Renderer) Render(name string, context interface{}) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, context); err != nil {
		return "", fmt.Errorf("rendering template %q: %w", name, err)
	}
	return buf.String(), nil
}
