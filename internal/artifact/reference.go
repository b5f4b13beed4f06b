package artifact

// SchemaReference 描述 workflow.yaml 的目标结构，供代码生成提示词引用。
const SchemaReference = `name: <lowercase slug, required>
version: <semver string, required>
description: <optional text>
triggers:                      # at least one
  - type: cron | http | evm_log
    schedule: "<cron expr>"    # required for cron
    chain: <chain name>        # required for evm_log
    address: <0x address>      # optional, must be an EVM address
    event: <event signature>
    path: <http path>
steps:                         # at least one, ids unique
  - id: <lowercase slug>
    type: http_fetch | compute | evm_read | evm_write | consensus | notify
    function: function.js      # required for compute
    url: <absolute url>        # required for http_fetch
    chain: <chain name>        # required for evm_write
    target: <0x address>
    inputs: {key: value}
    depends_on: [<step id>]    # must reference existing steps, no cycles
secrets: [<NAME>]`

// FunctionTemplate 是 compute 步骤引用的 function.js 骨架。
const FunctionTemplate = `// function.js
// inputs: values produced by the steps listed in depends_on, keyed by step id.
// secrets: values declared in workflow.yaml secrets.
export default async function main(inputs, secrets) {
  // compute the step result from inputs
  return { ok: true };
}`
