package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"ops-platform/pkg/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 执行子命令并返回退出码
func run(argv []string, stdout, stderr io.Writer) int {
	if len(argv) < 1 {
		printUsage(stdout)
		return 0
	}
	cmd, args := argv[0], argv[1:]
	need := func(n int, usage string) bool {
		if len(args) < n {
			fmt.Fprintf(stderr, "Usage: opsctl %s\n", usage)
			return false
		}
		return true
	}
	var (
		out interface{}
		err error
	)
	switch cmd {
	case "version":
		fmt.Fprintln(stdout, "ops-platform cli 0.1.0")
		return 0
	case "config":
		return runConfig(stdout, stderr)
	case "server", "worker":
		if len(args) == 0 || args[0] != "start" {
			fmt.Fprintf(stderr, "Usage: opsctl %s start\n", cmd)
			return 1
		}
		target := "./cmd/api"
		if cmd == "worker" {
			target = "./cmd/worker"
		}
		return runGo(target, stdout, stderr)
	case "health":
		out, err = health()
	case "publish":
		if !need(3, "publish <source> <detail-type> <detail-json> [bus]") {
			return 1
		}
		detail, perr := rawJSON(args[2])
		if perr != nil {
			fmt.Fprintf(stderr, "detail: %v\n", perr)
			return 1
		}
		bus := ""
		if len(args) > 3 {
			bus = args[3]
		}
		out, err = publishEvent(args[0], args[1], detail, bus)
	case "start":
		if !need(1, "start <workflow> [input-json]") {
			return 1
		}
		input := json.RawMessage(`{}`)
		if len(args) > 1 {
			if input, err = rawJSON(args[1]); err != nil {
				fmt.Fprintf(stderr, "input: %v\n", err)
				return 1
			}
		}
		out, err = startWorkflow(args[0], input)
	case "execution":
		if !need(1, "execution <execution_id>") {
			return 1
		}
		out, err = getExecution(args[0])
	case "trace":
		if !need(1, "trace <execution_id>") {
			return 1
		}
		out, err = getExecutionTrace(args[0])
	case "stop":
		if !need(1, "stop <execution_id> [cause]") {
			return 1
		}
		cause := ""
		if len(args) > 1 {
			cause = args[1]
		}
		out, err = stopExecution(args[0], cause)
	case "complete":
		if !need(1, "complete <task_token> [output-json]") {
			return 1
		}
		output := json.RawMessage(`{}`)
		if len(args) > 1 {
			if output, err = rawJSON(args[1]); err != nil {
				fmt.Fprintf(stderr, "output: %v\n", err)
				return 1
			}
		}
		var accepted bool
		accepted, err = completeTask(args[0], output)
		out = map[string]bool{"accepted": accepted}
	case "fail":
		if !need(2, "fail <task_token> <error> [cause]") {
			return 1
		}
		cause := ""
		if len(args) > 2 {
			cause = args[2]
		}
		var accepted bool
		accepted, err = failTask(args[0], args[1], cause)
		out = map[string]bool{"accepted": accepted}
	case "queue":
		if !need(1, "queue <name>") {
			return 1
		}
		out, err = queueStats(args[0])
	case "notify":
		if !need(2, "notify <bucket> <key>") {
			return 1
		}
		out, err = notifyObject(args[0], args[1])
	default:
		printUsage(stderr)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s 失败: %v\n", cmd, err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}

func rawJSON(s string) (json.RawMessage, error) {
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("not valid JSON: %s", s)
	}
	return json.RawMessage(s), nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: opsctl <command> [args]")
	fmt.Fprintln(w, "  version                                  - 显示版本")
	fmt.Fprintln(w, "  config                                   - 显示配置概要")
	fmt.Fprintln(w, "  server start | worker start              - 启动 API / Worker（go run）")
	fmt.Fprintln(w, "  health                                   - API 健康检查")
	fmt.Fprintln(w, "  publish <source> <detail-type> <json> [bus] - 发布事件")
	fmt.Fprintln(w, "  start <workflow> [input-json]            - 启动工作流执行")
	fmt.Fprintln(w, "  execution <id> | trace <id>              - 查看执行与步骤树")
	fmt.Fprintln(w, "  stop <id> [cause]                        - 停止执行")
	fmt.Fprintln(w, "  complete <token> [output-json]           - 以成功回调 task token")
	fmt.Fprintln(w, "  fail <token> <error> [cause]             - 以失败回调 task token")
	fmt.Fprintln(w, "  queue <name>                             - 队列深度与死信数")
	fmt.Fprintln(w, "  notify <bucket> <key>                    - 投递对象到达通知")
	fmt.Fprintln(w, "环境变量 OPS_API_URL 指定 API 地址（默认 http://localhost:8080）")
}

func runConfig(stdout, stderr io.Writer) int {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "api.port=%d\n", cfg.API.Port)
	fmt.Fprintf(stdout, "queue.type=%s\n", cfg.Queue.Type)
	fmt.Fprintf(stdout, "storage.records.type=%s\n", cfg.Storage.Records.Type)
	fmt.Fprintf(stdout, "workflow.definitions_dir=%s\n", cfg.Workflow.DefinitionsDir)
	return 0
}

func runGo(target string, stdout, stderr io.Writer) int {
	c := exec.Command("go", "run", target)
	c.Stdout = stdout
	c.Stderr = stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(stderr, "start %s: %v\n", target, err)
		return 1
	}
	return 0
}
