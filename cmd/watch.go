package cmd

import (
	"context"
	"errors"
	"fmt"
	"hanbok-fusion/app/model"
	"hanbok-fusion/app/utils/ssehelper"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"resty.dev/v3"
)

var watchServer string

var watchCmd = &cobra.Command{
	Use:   "watch <task_id> <token>",
	Short: "订阅任务状态的 SSE 推送，直到任务结束",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return watchTask(ctx, cmd.OutOrStdout(), watchServer, args[0], args[1])
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:5000", "服务地址")
	rootCmd.AddCommand(watchCmd)
}

// watchTask 打开 SSE 连接并逐条打印状态，服务端关闭连接后返回
func watchTask(ctx context.Context, out io.Writer, server, taskID, token string) error {
	client := resty.New()
	defer client.Close()

	resp, err := client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetAuthToken(token).
		SetQueryParam("task_id", taskID).
		Get(server + "/api/check-status-sse")
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}
	body := resp.RawResponse.Body
	defer body.Close()

	if resp.StatusCode() != 200 {
		msg, _ := io.ReadAll(io.LimitReader(body, 1024))
		return fmt.Errorf("服务端返回 %d: %s", resp.StatusCode(), msg)
	}

	fmt.Fprintf(out, "已连接，等待任务 %s 的状态更新...\n", taskID)

	var last *model.TaskStatusRecord
	err = ssehelper.Stream(body, func(line ssehelper.Line) error {
		switch line.Kind {
		case ssehelper.LineData:
			var record model.TaskStatusRecord
			if err := line.Decode(&record); err != nil {
				fmt.Fprintf(out, "无法解析的事件: %s\n", line.Value)
				return nil
			}
			last = &record
			printRecord(out, &record)
			if record.Status.IsTerminal() {
				return io.EOF
			}
		case ssehelper.LineComment:
			if line.Value != "keep-alive" {
				fmt.Fprintf(out, "服务端消息: %s\n", line.Value)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("读取事件失败: %w", err)
	}

	if last == nil {
		fmt.Fprintln(out, "连接已关闭，未收到任何状态")
	}
	return nil
}

func printRecord(out io.Writer, record *model.TaskStatusRecord) {
	switch {
	case record.Status == model.TaskStatusCompleted:
		fmt.Fprintf(out, "[%s] %s 结果: %s\n", record.UpdatedAt.Format("15:04:05"), record.Status, record.ImageURL)
	case record.Status.IsFailure():
		fmt.Fprintf(out, "[%s] %s 原因: %s\n", record.UpdatedAt.Format("15:04:05"), record.Status, record.ErrorMessage)
	default:
		fmt.Fprintf(out, "[%s] %s\n", record.UpdatedAt.Format("15:04:05"), record.Status)
	}
}
