// Package cond 实现状态转移条件的布尔表达式求值，
// 支持标识符、字符串字面量、NOT/AND/OR 与相等比较，
// 未知标识符按 false 处理（fail-closed）。
package cond
