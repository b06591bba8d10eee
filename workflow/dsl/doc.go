// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package dsl 解析 YAML 形式的工作流定义，产出 workflow.Workflow。

节点之间的连线既可以写在节点的 next 列表里，也可以在 edges 中显式列出，
两者合并去重后按声明顺序生成边。变量定义支持默认值与必填校验。

	version: "1"
	name: greeting
	settings:
	  communication_mode: simple
	variables:
	  user: {type: string, default: world}
	nodes:
	  - id: start
	    type: start
	    next: [greet]
	  - id: greet
	    type: ai-processor
	    config:
	      prompt: "Say hello to {{user}}"
*/
package dsl
