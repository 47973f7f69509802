package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/seantiz/flotilla/internal/config"
	"github.com/seantiz/flotilla/internal/model"
	"github.com/seantiz/flotilla/internal/transport"
)

const (
	proxyServiceName  = "flotilla-proxy.service"
	remoteInstallDir  = "/opt/flotilla"
	remoteDataDir     = "/tmp/flotilla"
	remoteArchivePath = "/tmp/flotilla_payload.zip"
)

// installScript lays down the execution proxy on a fresh worker: unpack the
// payload, record the instance's own access descriptor and (re)start the
// proxy under systemd.
const installScript = `set -e
systemctl stop {{.ServiceName}} 2>/dev/null || true
rm -rf {{.InstallDir}}
mkdir -p {{.InstallDir}} {{.DataDir}}/jobs {{.DataDir}}/logs
cat > {{.InstallDir}}/access.data <<'EOF'
{"instance_name": "{{.InstanceName}}", "ip_address": "{{.IPAddress}}", "instance_id": "{{.InstanceID}}"}
EOF
if [ -f {{.ArchivePath}} ]; then
  unzip -o {{.ArchivePath}} -d {{.InstallDir}} > /dev/null
  rm {{.ArchivePath}}
fi
cat > /etc/systemd/system/{{.ServiceName}} <<'EOF'
[Unit]
Description=Flotilla Execution Proxy
After=network.target

[Service]
ExecStart={{.InstallDir}}/proxy --port {{.ProxyPort}}
Restart=always

[Install]
WantedBy=multi-user.target
EOF
chmod 644 /etc/systemd/system/{{.ServiceName}}
systemctl daemon-reload
systemctl enable {{.ServiceName}}
systemctl restart {{.ServiceName}}
`

type installParams struct {
	ServiceName  string
	InstallDir   string
	DataDir      string
	ArchivePath  string
	ProxyPort    int
	InstanceName string
	IPAddress    string
	InstanceID   string
}

// installer prepares fresh workers: payload upload plus templated install
// script. At most one install sequence runs per worker, guaranteed by the
// controller driving it only from Create.
type installer struct {
	cfg    config.Config
	tmpl   *template.Template
	logger *slog.Logger
}

func newInstaller(cfg config.Config, logger *slog.Logger) *installer {
	return &installer{
		cfg:    cfg,
		tmpl:   template.Must(template.New("install").Parse(installScript)),
		logger: logger,
	}
}

// Install uploads the payload archive (when configured) and runs the install
// script. Over direct HTTP the script runs detached so the SSH connection can
// close immediately; readiness is observed through the proxy ping either way.
func (i *installer) Install(ctx context.Context, tr transport.Transport, w *model.Worker) error {
	if i.cfg.PayloadArchive != "" {
		i.logger.Debug("uploading payload archive", "worker", w.IP)
		if err := tr.UploadFile(ctx, i.cfg.PayloadArchive, remoteArchivePath); err != nil {
			return fmt.Errorf("upload payload: %w", err)
		}
	}

	var script strings.Builder
	err := i.tmpl.Execute(&script, installParams{
		ServiceName:  proxyServiceName,
		InstallDir:   remoteInstallDir,
		DataDir:      remoteDataDir,
		ArchivePath:  remoteArchivePath,
		ProxyPort:    i.cfg.ProxyPort,
		InstanceName: w.Name,
		IPAddress:    w.IP,
		InstanceID:   w.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("render install script: %w", err)
	}

	i.logger.Debug("running proxy install", "worker", w.IP)
	if i.cfg.TransportMode == config.TransportDirectHTTP {
		return tr.RunCommandAsync(ctx, script.String())
	}

	res, err := tr.RunCommand(ctx, script.String())
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install script exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
