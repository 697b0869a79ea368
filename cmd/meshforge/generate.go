package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BaSui01/meshforge"
	"github.com/BaSui01/meshforge/generation"
	"github.com/BaSui01/meshforge/generation/ledger"
	"github.com/BaSui01/meshforge/generation/reference"
	"github.com/BaSui01/meshforge/internal/objectstore"
	"github.com/BaSui01/meshforge/llm/image"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 generate 命令：进程内单会话
// =============================================================================

// imageList 可重复的 --image 参数
type imageList []string

func (l *imageList) String() string { return strings.Join(*l, ",") }

func (l *imageList) Set(v string) error {
	if strings.TrimSpace(v) == "" {
		return errors.New("empty image source")
	}
	*l = append(*l, v)
	return nil
}

// 退出码
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

func runGenerate(args []string) int {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	timeout := fs.Duration("timeout", 0, "Overall time limit (0 = none)")
	var images imageList
	fs.Var(&images, "image", "Reference image path or URL (repeatable)")
	_ = fs.Parse(args)

	if len(images) == 0 {
		fmt.Fprintln(os.Stderr, "generate: at least one --image is required")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailed
	}

	// 进度输出占用 stdout，日志统一走 stderr
	logCfg := cfg.Log
	logCfg.Format = "console"
	logCfg.OutputPaths = []string{"stderr"}
	logger := initLogger(logCfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	fetcher := reference.NewFetcher(
		reference.WithMaxBytes(cfg.Pipeline.MaxReferenceBytes),
		reference.WithLogger(logger),
	)
	refs, err := loadReferences(ctx, fetcher, images)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate: %v\n", err)
		return exitFailed
	}

	opts := []meshforge.Option{meshforge.WithLogger(logger)}
	if cfg.Storage.Enabled {
		objects, err := objectstore.New(cfg.Storage, logger)
		if err == nil {
			err = objects.EnsureBucket(ctx)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate: object storage: %v\n", err)
			return exitFailed
		}
		opts = append(opts, meshforge.WithPublisher(generation.NewObjectPublisher(objects)))
	}

	orch := meshforge.NewPipeline(cfg, opts...).NewSession(uuid.NewString())
	defer orch.Close()

	gen, ok := orch.Start(ctx, refs)
	if !ok {
		fmt.Fprintln(os.Stderr, "generate: could not start")
		return exitFailed
	}

	states, unsubscribe := orch.Subscribe()
	defer unsubscribe()

	final, err := followRun(ctx, states, gen, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stdout, "Cancelling...")
		orch.Cancel()
		// 给远程取消一点时间
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if werr := orch.Wait(waitCtx); werr != nil {
			logger.Warn("cancellation did not finish", zap.Error(werr))
		}
		fmt.Fprintln(os.Stdout, "Cancelled.")
		return exitCancelled
	}

	if final.MeshURL == "" {
		fmt.Fprintf(os.Stdout, "Failed: %s\n", final.Error)
		return exitFailed
	}
	fmt.Fprintf(os.Stdout, "Mesh: %s\n", final.MeshURL)
	if final.TotalTime != "" {
		fmt.Fprintf(os.Stdout, "Total time: %ss\n", final.TotalTime)
	}
	return exitOK
}

// followRun 打印步骤状态变化，直到第 gen 代结束；ctx 结束时返回其错误
func followRun(ctx context.Context, states <-chan generation.State, gen uint64, out io.Writer) (generation.State, error) {
	seen := make(map[string]ledger.Status)
	var last generation.State
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case st, ok := <-states:
			if !ok {
				return last, nil
			}
			if st.Generation != gen {
				continue
			}
			last = st
			for _, step := range st.Steps {
				if seen[step.Name] == step.Status {
					continue
				}
				seen[step.Name] = step.Status
				printStep(out, step)
			}
			if !st.Busy {
				return st, nil
			}
		}
	}
}

func printStep(out io.Writer, step ledger.Step) {
	switch step.Status {
	case ledger.StatusLoading:
		fmt.Fprintf(out, "%s...\n", step.Name)
	case ledger.StatusDone:
		fmt.Fprintf(out, "%s done (%ss)\n", step.Name, step.Time)
	case ledger.StatusError:
		fmt.Fprintf(out, "%s failed (%ss)\n", step.Name, step.Time)
	}
}

// loadReferences 解析 --image：http(s) URL、data URI 或本地文件
func loadReferences(ctx context.Context, fetcher *reference.Fetcher, sources []string) ([]image.Reference, error) {
	refs := make([]image.Reference, 0, len(sources))
	for _, src := range sources {
		var (
			ref image.Reference
			err error
		)
		switch {
		case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
			ref, err = fetcher.Fetch(ctx, src)
		case strings.HasPrefix(src, "data:"):
			ref, err = reference.DecodeDataURI(src)
		default:
			ref, err = readReferenceFile(src)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func readReferenceFile(path string) (image.Reference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return image.Reference{}, err
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return image.Reference{}, fmt.Errorf("not an image (%s)", mime)
	}
	return image.Reference{MIMEType: mime, Data: data}, nil
}
