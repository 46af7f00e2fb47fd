// Package execution 以配置的账户提交待执行步骤。
//
// 每个提交的调用都有一条只追加的账本记录，链上结算后由 pending
// 转为 confirmed 或 failed。
package execution
