// Package runner 流式输出解析
package runner

import (
	"bufio"
	"io"
	"log"
	"strings"
)

// streamBlocks 逐行消费流式 stdout
//
// 全文写入 capped buffer（最终结果解析与审计复用），同时在线检测
// 哨兵块：每凑齐一对 START/END 就解析负载并回调 onOutput，
// 让出站消息不必等进程退出即可转发。无效块只记日志，不中断读取。
//
// 不用 bufio.Scanner：单行超过其缓冲上限会中止整个读取循环，
// 之后的哨兵块全部丢失。ReadString 对行长没有硬上限。
func streamBlocks(r io.Reader, buf *cappedBuffer, onOutput OutputFunc) {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		inBlock bool
		block   strings.Builder
	)
	for {
		raw, err := br.ReadString('\n')
		if raw != "" {
			line := strings.TrimRight(raw, "\r\n")
			buf.Write([]byte(line))
			buf.Write([]byte("\n"))

			switch {
			case strings.TrimSpace(line) == OutputStart:
				inBlock = true
				block.Reset()
			case strings.TrimSpace(line) == OutputEnd:
				if !inBlock {
					break
				}
				inBlock = false
				out, perr := ParseOutput(OutputStart + "\n" + block.String() + OutputEnd)
				if perr != nil {
					log.Printf("[runner.stream.parse_failed] error=%v", perr)
					break
				}
				if onOutput != nil {
					onOutput(out)
				}
			case inBlock:
				block.WriteString(line)
				block.WriteString("\n")
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[runner.stream.read_failed] error=%v", err)
			}
			return
		}
	}
}
